package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/plantid-api/internal/storage/sqlite"
)

func setup(t *testing.T) (configPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "plantid.db")
	configPath = filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
retrain:
  min_total_new_images: 2
  min_species_with_new_images: 2
storage:
  db_path: %s
  dataset_dir: %s
`, dbPath, filepath.Join(dir, "dataset"))
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o644))
	return configPath, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestAssessAndMarkTrained(t *testing.T) {
	configPath, dbPath := setup(t)

	store, err := sqlite.Open(dbPath, 10)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.AddImage(ctx, "A", "A/1.jpg"))
	require.NoError(t, store.AddImage(ctx, "B", "B/1.jpg"))
	require.NoError(t, store.Close())

	out, err := execute(t, "assess", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "retraining recommended")

	out, err = execute(t, "mark-trained", "--config", configPath, "--note", "v2")
	require.NoError(t, err)
	assert.Contains(t, out, "training run recorded")

	out, err = execute(t, "assess", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "retraining not needed yet")

	out, err = execute(t, "stats", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"dataset_by_species"`)
	assert.Contains(t, out, `"A": 1`)
}

func TestImportSpecies(t *testing.T) {
	configPath, dbPath := setup(t)
	file := filepath.Join(t.TempDir(), "species.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
species:
  - scientific_name: Monstera deliciosa
    common_name: Swiss cheese plant
    care_info: Bright indirect light
  - scientific_name: Aloe vera
    common_name: Aloe
`), 0o644))

	out, err := execute(t, "import-species", file, "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 2 of 2 species")

	store, err := sqlite.Open(dbPath, 10)
	require.NoError(t, err)
	defer store.Close()
	info := store.SpeciesLookup(zap.NewNop()).Get(context.Background(), "Aloe vera")
	assert.Equal(t, "Aloe", info.CommonName)
}

func TestReadSpeciesFileAcceptsBareList(t *testing.T) {
	file := filepath.Join(t.TempDir(), "species.yaml")
	require.NoError(t, os.WriteFile(file, []byte("- scientific_name: Ficus lyrata\n"), 0o644))

	infos, err := readSpeciesFile(file)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "Ficus lyrata", infos[0].ScientificName)

	_, err = readSpeciesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestImportRequiresFile(t *testing.T) {
	configPath, _ := setup(t)

	_, err := execute(t, "import-species", "--config", configPath)
	assert.Error(t, err)
}
