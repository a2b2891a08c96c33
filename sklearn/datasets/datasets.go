// Package datasets provides the built-in toy classification datasets
// (iris, wine, breast_cancer, digits) as gonum matrices.
//
// The bundles are embedded header-row CSV files whose last column is the
// integer class label. Every Load call parses the bundle afresh and returns
// matrices owned by the caller; nothing is cached between calls.
//
// Only the iris bundle holds the original measurements. The wine,
// breast_cancer and digits bundles are seeded synthetic tables with the
// original shapes, feature names and class counts. The real tables are read
// from a data directory (LoadFromDir, LoaderFor) in either the bundle format
// or the format scikit-learn ships them in: wine_data.csv, breast_cancer.csv
// and iris.csv with an "n_samples,n_features,class names..." first line, and
// a headerless digits.csv.gz. Fetch downloads them.
package datasets

import (
	"compress/gzip"
	"embed"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/pkg/log"
)

//go:embed data/*
var bundled embed.FS

// TargetColumn is the header name of the label column in every bundle.
const TargetColumn = "target"

type bundle struct {
	file string
	// sklearnFile is the name scikit-learn ships the table under.
	sklearnFile string
	targetNames []string
}

var registry = map[string]bundle{
	"iris": {
		file: "iris.csv", sklearnFile: "iris.csv",
		targetNames: []string{"setosa", "versicolor", "virginica"},
	},
	"wine": {
		file: "wine.csv", sklearnFile: "wine_data.csv",
		targetNames: []string{"class_0", "class_1", "class_2"},
	},
	"breast_cancer": {
		file: "breast_cancer.csv", sklearnFile: "breast_cancer.csv",
		targetNames: []string{"malignant", "benign"},
	},
	"digits": {
		file: "digits.csv.gz", sklearnFile: "digits.csv.gz",
		targetNames: []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"},
	},
}

// names keeps the enumeration order stable for help text and error messages.
var names = []string{"iris", "wine", "breast_cancer", "digits"}

// Dataset is a feature matrix with its label column.
type Dataset struct {
	Name string

	// Data is n_samples × n_features.
	Data *mat.Dense

	// Target is n_samples × 1 holding integer class labels as float64.
	Target *mat.Dense

	FeatureNames []string
	TargetNames  []string
}

// NSamples returns the number of rows.
func (d *Dataset) NSamples() int {
	r, _ := d.Data.Dims()
	return r
}

// NFeatures returns the number of feature columns.
func (d *Dataset) NFeatures() int {
	_, c := d.Data.Dims()
	return c
}

// Labels returns the label column as ints.
func (d *Dataset) Labels() []int {
	n, _ := d.Target.Dims()
	out := make([]int, n)
	for i := range out {
		out[i] = int(d.Target.At(i, 0))
	}
	return out
}

// NClasses returns the number of distinct labels present.
func (d *Dataset) NClasses() int {
	seen := make(map[int]struct{})
	for _, l := range d.Labels() {
		seen[l] = struct{}{}
	}
	return len(seen)
}

// Names returns the recognised dataset names in a fixed order.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// IsKnown reports whether name is one of Names().
func IsKnown(name string) bool {
	_, ok := registry[name]
	return ok
}

// Load returns a fresh copy of the named built-in dataset.
// Any name outside Names() yields an UnknownDatasetError.
func Load(name string) (*Dataset, error) {
	b, ok := registry[name]
	if !ok {
		return nil, errors.NewUnknownDatasetError(name, Names())
	}
	f, err := bundled.Open("data/" + b.file)
	if err != nil {
		return nil, errors.Wrapf(err, "open embedded bundle %s", b.file)
	}
	defer f.Close()
	return decode(name, b, b.file, f)
}

// MustLoad is like Load but panics on error. Intended for tests and examples.
func MustLoad(name string) *Dataset {
	ds, err := Load(name)
	if err != nil {
		panic(err)
	}
	return ds
}

// LoadFromDir reads the named dataset from dir. It looks for the bundle file
// name first and for the scikit-learn file name after that; both the bundle
// format and the scikit-learn format are accepted in either.
func LoadFromDir(dir, name string) (*Dataset, error) {
	b, ok := registry[name]
	if !ok {
		return nil, errors.NewUnknownDatasetError(name, Names())
	}
	file := b.file
	if _, err := os.Stat(filepath.Join(dir, file)); err != nil && b.sklearnFile != b.file {
		file = b.sklearnFile
	}
	return loadFile(name, b, filepath.Join(dir, file))
}

func loadFile(name string, b bundle, path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open dataset file for %s", name)
	}
	defer f.Close()
	return decode(name, b, filepath.Base(path), f)
}

// Loader resolves a dataset name to a freshly parsed Dataset.
type Loader func(name string) (*Dataset, error)

// LoaderFor returns Load when dataHome is empty and a LoadFromDir over
// dataHome otherwise.
func LoaderFor(dataHome string) Loader {
	if dataHome == "" {
		return Load
	}
	return func(name string) (*Dataset, error) {
		return LoadFromDir(dataHome, name)
	}
}

func decode(name string, b bundle, file string, r io.Reader) (*Dataset, error) {
	start := time.Now()
	if strings.HasSuffix(file, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrapf(err, "decompress %s", file)
		}
		defer gz.Close()
		r = gz
	}
	// Spreadsheet exports often start with a UTF-8 byte order mark.
	r = transform.NewReader(r, unicode.BOMOverride(transform.Nop))

	ds, err := parseCSV(r, name)
	if err != nil {
		return nil, errors.Wrapf(err, "parse dataset %s", name)
	}
	ds.Name = name
	ds.TargetNames = append([]string(nil), b.targetNames...)

	log.GetLoggerWithName("datasets").Debug("Dataset loaded",
		log.DatasetKey, name,
		log.SamplesKey, ds.NSamples(),
		log.FeaturesKey, ds.NFeatures(),
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return ds, nil
}

// parseCSV reads one of three layouts, told apart by the first record:
//
//   - a header row whose last column is TargetColumn (the bundle format)
//   - "n_samples,n_features,class names..." followed by n_samples rows
//   - no header at all, every record being n_features values and a label
//
// The last two carry no feature names, so they are taken from the embedded
// bundle of the same name.
func parseCSV(r io.Reader, name string) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	first, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if len(first) >= 2 && strings.TrimSpace(first[len(first)-1]) == TargetColumn {
		featureNames := make([]string, len(first)-1)
		for i := range featureNames {
			featureNames[i] = strings.TrimSpace(first[i])
		}
		return readRows(cr, featureNames, nil, -1)
	}

	featureNames, err := bundledFeatureNames(name)
	if err != nil {
		return nil, errors.NewValueError("datasets.parseCSV",
			fmt.Sprintf("last column must be %q, got header %v", TargetColumn, first))
	}
	nSamples, nFeatures, ok := countsHeader(first)
	switch {
	case ok && nFeatures == len(featureNames):
		return readRows(cr, featureNames, nil, nSamples)
	case len(first) == len(featureNames)+1:
		return readRows(cr, featureNames, first, -1)
	case ok:
		return nil, errors.NewValueError("datasets.parseCSV",
			fmt.Sprintf("header declares %d features, %s has %d", nFeatures, name, len(featureNames)))
	}
	return nil, errors.NewValueError("datasets.parseCSV",
		fmt.Sprintf("unrecognised first record with %d fields for %s", len(first), name))
}

// countsHeader parses the "n_samples,n_features,..." line of the
// scikit-learn layout.
func countsHeader(rec []string) (nSamples, nFeatures int, ok bool) {
	if len(rec) < 2 {
		return 0, 0, false
	}
	nSamples, err := strconv.Atoi(strings.TrimSpace(rec[0]))
	if err != nil || nSamples < 1 {
		return 0, 0, false
	}
	nFeatures, err = strconv.Atoi(strings.TrimSpace(rec[1]))
	if err != nil || nFeatures < 1 {
		return 0, 0, false
	}
	return nSamples, nFeatures, true
}

// readRows consumes the remaining records. first, when not nil, is a data
// record already read. wantSamples < 0 accepts any row count.
func readRows(cr *csv.Reader, featureNames, first []string, wantSamples int) (*Dataset, error) {
	nFeatures := len(featureNames)
	var data, target []float64

	add := func(rec []string, row int) error {
		if len(rec) != nFeatures+1 {
			return errors.NewValueError("datasets.parseCSV",
				fmt.Sprintf("row %d has %d fields, want %d", row, len(rec), nFeatures+1))
		}
		for j := 0; j < nFeatures; j++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[j]), 64)
			if err != nil {
				return errors.Wrapf(err, "row %d column %q", row, featureNames[j])
			}
			data = append(data, v)
		}
		label, err := parseLabel(rec[nFeatures])
		if err != nil {
			return errors.Wrapf(err, "row %d target", row)
		}
		target = append(target, float64(label))
		return nil
	}

	row := 1
	if first != nil {
		if err := add(first, row); err != nil {
			return nil, err
		}
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			return nil, errors.Wrapf(err, "read row %d", row)
		}
		if err := add(rec, row); err != nil {
			return nil, err
		}
	}
	if len(target) == 0 {
		return nil, errors.ErrEmptyData
	}
	n := len(target)
	if wantSamples >= 0 && n != wantSamples {
		return nil, errors.NewValueError("datasets.parseCSV",
			fmt.Sprintf("header declares %d samples, found %d", wantSamples, n))
	}

	return &Dataset{
		Data:         mat.NewDense(n, nFeatures, data),
		Target:       mat.NewDense(n, 1, target),
		FeatureNames: append([]string(nil), featureNames...),
	}, nil
}

// parseLabel accepts integers and integral floats such as "1.0e+00", which
// is how numpy writes the digits labels.
func parseLabel(s string) (int, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) || v != math.Trunc(v) || v < 0 {
		return 0, errors.NewValueError("datasets.parseLabel", "class label must be a non-negative integer, got "+s)
	}
	return int(v), nil
}

// bundledFeatureNames returns the header of the embedded bundle for name.
func bundledFeatureNames(name string) ([]string, error) {
	b, ok := registry[name]
	if !ok {
		return nil, errors.NewUnknownDatasetError(name, Names())
	}
	f, err := bundled.Open("data/" + b.file)
	if err != nil {
		return nil, errors.Wrapf(err, "open embedded bundle %s", b.file)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(b.file, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "decompress %s", b.file)
		}
		defer gz.Close()
		r = gz
	}
	header, err := csv.NewReader(r).Read()
	if err != nil {
		return nil, errors.Wrapf(err, "read header of %s", b.file)
	}
	return header[:len(header)-1], nil
}

// WriteFeaturesCSV dumps the feature columns of ds to path with a header row
// of feature names. Parent directories are created as needed.
func WriteFeaturesCSV(ds *Dataset, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create parent directory of %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(ds.FeatureNames); err != nil {
		return errors.Wrap(err, "write header")
	}
	nRows, nCols := ds.Data.Dims()
	rec := make([]string, nCols)
	for i := 0; i < nRows; i++ {
		for j := 0; j < nCols; j++ {
			rec[j] = strconv.FormatFloat(ds.Data.At(i, j), 'g', -1, 64)
		}
		if err := w.Write(rec); err != nil {
			return errors.Wrapf(err, "write row %d", i)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, "flush csv")
	}
	return errors.Wrap(f.Sync(), "sync csv")
}
