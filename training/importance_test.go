package training

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/forestops/pkg/errors"
)

func TestImportanceTable(t *testing.T) {
	rows, err := ImportanceTable([]string{"alcohol", "malic_acid"}, []float64{0.75, 0.25})
	require.NoError(t, err)
	want := []ImportanceRow{{"alcohol", 0.75}, {"malic_acid", 0.25}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("ImportanceTable() mismatch (-want +got):\n%s", diff)
	}

	rows, err = ImportanceTable(nil, []float64{0.5, 0.5, 0})
	require.NoError(t, err)
	assert.Equal(t, "f0", rows[0].Feature)
	assert.Equal(t, "f2", rows[2].Feature)
	assert.InDelta(t, 1.0, TotalImportance(rows), 1e-12)

	_, err = ImportanceTable([]string{"a"}, []float64{0.5, 0.5})
	var de *errors.DimensionError
	assert.True(t, errors.As(err, &de))
}

func TestWriteImportanceCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "feature_importances.csv")
	rows := []ImportanceRow{{"petal length (cm)", 0.5}, {"sepal,width", 0.125}}

	require.NoError(t, WriteImportanceCSV(path, rows))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "feature,importance\npetal length (cm),0.5\n\"sepal,width\",0.125\n", string(raw))

	back, err := ReadImportanceCSV(path)
	require.NoError(t, err)
	assert.Equal(t, rows, back)
}

func TestWriteImportanceCSV_Rewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fi.csv")
	require.NoError(t, WriteImportanceCSV(path, []ImportanceRow{{"a", 0.1}, {"b", 0.2}, {"c", 0.7}}))
	require.NoError(t, WriteImportanceCSV(path, []ImportanceRow{{"z", 1}}))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "feature,importance\nz,1\n", string(got))

	// The file handle is released, so the table can be removed right away.
	require.NoError(t, os.Remove(path))
}

func TestWriteImportanceCSV_ParentIsFile(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(parent, nil, 0o644))

	err := WriteImportanceCSV(filepath.Join(parent, "fi.csv"), []ImportanceRow{{"a", 1}})
	assert.Error(t, err)
}

func TestReadImportanceCSV_BadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,score\na,1\n"), 0o644))

	_, err := ReadImportanceCSV(path)
	var ve *errors.ValueError
	assert.True(t, errors.As(err, &ve))
}

func TestWriteImportanceChart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feature_importances.png")
	rows := []ImportanceRow{{"a", 0.6}, {"b", 0.3}, {"c", 0.1}}

	require.NoError(t, WriteImportanceChart(path, "iris", rows))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("\x89PNG")))

	assert.Error(t, WriteImportanceChart(path, "empty", nil))
}
