package datasets

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/forestops/pkg/errors"
)

func TestLoad_AllBundles(t *testing.T) {
	tests := []struct {
		name      string
		nSamples  int
		nFeatures int
		nClasses  int
	}{
		{"iris", 150, 4, 3},
		{"wine", 178, 13, 3},
		{"breast_cancer", 569, 30, 2},
		{"digits", 1797, 64, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := Load(tt.name)
			require.NoError(t, err)

			assert.Equal(t, tt.name, ds.Name)
			assert.Equal(t, tt.nSamples, ds.NSamples())
			assert.Equal(t, tt.nFeatures, ds.NFeatures())
			assert.Len(t, ds.FeatureNames, tt.nFeatures)
			assert.Len(t, ds.TargetNames, tt.nClasses)
			assert.Equal(t, tt.nClasses, ds.NClasses())

			tr, tc := ds.Target.Dims()
			assert.Equal(t, tt.nSamples, tr)
			assert.Equal(t, 1, tc)
			for _, l := range ds.Labels() {
				assert.GreaterOrEqual(t, l, 0)
				assert.Less(t, l, tt.nClasses)
			}
		})
	}
}

func TestLoad_IrisFirstRow(t *testing.T) {
	ds := MustLoad("iris")
	got := []float64{ds.Data.At(0, 0), ds.Data.At(0, 1), ds.Data.At(0, 2), ds.Data.At(0, 3)}
	if diff := cmp.Diff([]float64{5.1, 3.5, 1.4, 0.2}, got); diff != "" {
		t.Errorf("first iris row mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "sepal length (cm)", ds.FeatureNames[0])
}

func TestLoad_ReturnsFreshCopies(t *testing.T) {
	a := MustLoad("iris")
	a.Data.Set(0, 0, -1)
	b := MustLoad("iris")
	assert.Equal(t, 5.1, b.Data.At(0, 0))
}

func TestLoad_UnknownDataset(t *testing.T) {
	for _, name := range []string{"", "mnist", "Iris", "breast-cancer"} {
		_, err := Load(name)
		require.Error(t, err, name)

		var ude *errors.UnknownDatasetError
		require.True(t, errors.As(err, &ude), "want UnknownDatasetError for %q, got %T", name, err)
		assert.Equal(t, name, ude.Name)
		assert.Equal(t, Names(), ude.Known)
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"iris", "wine", "breast_cancer", "digits"}, Names())
	assert.True(t, IsKnown("digits"))
	assert.False(t, IsKnown("boston"))

	n := Names()
	n[0] = "mutated"
	assert.Equal(t, "iris", Names()[0])
}

func TestWriteFeaturesCSV_CreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "nested", "iris_data.csv")
	ds := MustLoad("iris")
	require.NoError(t, WriteFeaturesCSV(ds, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 151)
	assert.Equal(t, ds.FeatureNames, rows[0])
	assert.Equal(t, []string{"5.1", "3.5", "1.4", "0.2"}, rows[1])
	for _, r := range rows {
		assert.NotContains(t, r, TargetColumn)
	}
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	body := "f1,f2,target\n1,2,0\n3,4,1\n5,6,1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wine.csv"), []byte(body), 0o644))

	ds, err := LoadFromDir(dir, "wine")
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NSamples())
	assert.Equal(t, []int{0, 1, 1}, ds.Labels())
	assert.Equal(t, []string{"f1", "f2"}, ds.FeatureNames)

	_, err = LoadFromDir(dir, "iris")
	require.Error(t, err)

	_, err = LoadFromDir(dir, "nope")
	var ude *errors.UnknownDatasetError
	assert.True(t, errors.As(err, &ude))
}

func TestLoaderFor(t *testing.T) {
	embedded, err := LoaderFor("")("iris")
	require.NoError(t, err)
	assert.Equal(t, 150, embedded.NSamples())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "iris.csv"), []byte("a,target\n1,0\n2,1\n"), 0o644))
	local, err := LoaderFor(dir)("iris")
	require.NoError(t, err)
	assert.Equal(t, 2, local.NSamples())
}

func TestParseCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing target column", "a,b\n1,2\n"},
		{"non numeric feature", "a,target\nx,0\n"},
		{"non integer label", "a,target\n1,0.5\n"},
		{"header only", "a,target\n"},
		{"short row", "a,b,target\n1,0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCSV(strings.NewReader(tt.body), "")
			assert.Error(t, err)
		})
	}
}
