package training

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/forestops/pkg/errors"
)

// ImportanceRow is one line of the feature importance table.
type ImportanceRow struct {
	Feature    string
	Importance float64
}

// ImportanceTable pairs feature names with scores, in feature order. When
// names is empty the features are called f0, f1, ...
func ImportanceTable(names []string, scores []float64) ([]ImportanceRow, error) {
	if len(names) == 0 {
		names = make([]string, len(scores))
		for i := range names {
			names[i] = fmt.Sprintf("f%d", i)
		}
	}
	if len(names) != len(scores) {
		return nil, errors.NewDimensionError("ImportanceTable", len(names), len(scores), 1)
	}
	rows := make([]ImportanceRow, len(scores))
	for i := range scores {
		rows[i] = ImportanceRow{Feature: names[i], Importance: scores[i]}
	}
	return rows, nil
}

// TotalImportance sums the importance column.
func TotalImportance(rows []ImportanceRow) float64 {
	v := make([]float64, len(rows))
	for i, r := range rows {
		v[i] = r.Importance
	}
	return floats.Sum(v)
}

// WriteImportanceCSV writes rows under a "feature,importance" header,
// creating parent directories. An existing file at path is truncated.
func WriteImportanceCSV(path string, rows []ImportanceRow) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create parent directory of %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close csv")
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"feature", "importance"}); err != nil {
		return errors.Wrap(err, "write header")
	}
	for _, r := range rows {
		if err := w.Write([]string{r.Feature, strconv.FormatFloat(r.Importance, 'g', -1, 64)}); err != nil {
			return errors.Wrapf(err, "write row %s", r.Feature)
		}
	}
	w.Flush()
	return errors.Wrap(w.Error(), "flush csv")
}

// ReadImportanceCSV parses a file written by WriteImportanceCSV.
func ReadImportanceCSV(path string) ([]ImportanceRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if len(records) == 0 || len(records[0]) != 2 || records[0][0] != "feature" || records[0][1] != "importance" {
		return nil, errors.NewValueError("ReadImportanceCSV", "missing feature,importance header in "+path)
	}
	rows := make([]ImportanceRow, 0, len(records)-1)
	for i, rec := range records[1:] {
		v, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i+1)
		}
		rows = append(rows, ImportanceRow{Feature: rec[0], Importance: v})
	}
	return rows, nil
}

// WriteImportanceChart renders rows as a horizontal bar chart PNG.
func WriteImportanceChart(path, title string, rows []ImportanceRow) error {
	if len(rows) == 0 {
		return errors.NewValueError("WriteImportanceChart", "no rows to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "importance"

	values := make(plotter.Values, len(rows))
	labels := make([]string, len(rows))
	for i, r := range rows {
		values[i] = r.Importance
		labels[i] = r.Feature
	}
	bars, err := plotter.NewBarChart(values, vg.Points(8))
	if err != nil {
		return errors.Wrap(err, "build bar chart")
	}
	bars.Horizontal = true
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalY(labels...)

	height := vg.Length(len(rows))*vg.Points(12) + vg.Inch
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create parent directory of %s", path)
	}
	if err := p.Save(6*vg.Inch, height, path); err != nil {
		return errors.Wrapf(err, "save chart %s", path)
	}
	return nil
}
