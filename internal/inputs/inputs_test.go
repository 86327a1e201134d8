package inputs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simforge/vct/internal/inputs"
	"github.com/simforge/vct/internal/models"
	"github.com/simforge/vct/internal/store"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func setupTree(t *testing.T) (string, *store.Store) {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "config", "default", "PhysiCell_settings.xml"), "<PhysiCell_settings/>")
	writeFile(t, filepath.Join(dir, "config", "default", "folder.toml"), "variable = true\n")
	writeFile(t, filepath.Join(dir, "config", "default", "variations", "config_variation_1.xml"), "<v1/>")
	writeFile(t, filepath.Join(dir, "custom_code", "default", "main.cpp"), "int main() {}")
	writeFile(t, filepath.Join(dir, "ic_cells", "disc", "cells.csv"), "x,y,z,type")

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "vct.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, inputs.ScanFolders(context.Background(), st, dir))
	return dir, st
}

func TestScanFoldersRegisters(t *testing.T) {
	dir, st := setupTree(t)
	ctx := context.Background()

	configID, err := st.ResolveFolder(ctx, models.SlotConfig, "default")
	require.NoError(t, err)
	variable, err := st.FolderVariable(ctx, models.SlotConfig, configID)
	require.NoError(t, err)
	assert.True(t, variable)

	codeID, err := st.ResolveFolder(ctx, models.SlotCustomCode, "default")
	require.NoError(t, err)
	assert.Positive(t, codeID)

	_, err = st.ResolveFolder(ctx, models.SlotICCells, "disc")
	require.NoError(t, err)

	// Scanning twice keeps ids stable.
	require.NoError(t, inputs.ScanFolders(ctx, st, dir))
	again, err := st.ResolveFolder(ctx, models.SlotConfig, "default")
	require.NoError(t, err)
	assert.Equal(t, configID, again)
}

func TestMaterializeBaseFile(t *testing.T) {
	dir, st := setupTree(t)
	ctx := context.Background()
	r := &inputs.Resolver{Store: st, InputsDir: dir}

	configID, err := st.ResolveFolder(ctx, models.SlotConfig, "default")
	require.NoError(t, err)

	path, err := r.Materialize(ctx, models.SlotConfig, configID, models.VariationBase)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config", "default", "PhysiCell_settings.xml"), path)
}

func TestMaterializeVariation(t *testing.T) {
	dir, st := setupTree(t)
	ctx := context.Background()
	r := &inputs.Resolver{Store: st, InputsDir: dir}

	configID, err := st.ResolveFolder(ctx, models.SlotConfig, "default")
	require.NoError(t, err)

	path, err := r.Materialize(ctx, models.SlotConfig, configID, 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config", "default", "variations", "config_variation_1.xml"), path)

	// Missing variation with no generator wired is an error.
	_, err = r.Materialize(ctx, models.SlotConfig, configID, 7)
	assert.Error(t, err)
}

func TestMaterializeCallsGenerator(t *testing.T) {
	dir, st := setupTree(t)
	ctx := context.Background()

	called := 0
	r := &inputs.Resolver{
		Store:     st,
		InputsDir: dir,
		Generate: func(ctx context.Context, slot models.Slot, folderDir string, variation int) (string, error) {
			called++
			path := filepath.Join(folderDir, "variations", "generated.xml")
			writeFile(t, path, "<generated/>")
			return path, nil
		},
	}

	configID, err := st.ResolveFolder(ctx, models.SlotConfig, "default")
	require.NoError(t, err)

	path, err := r.Materialize(ctx, models.SlotConfig, configID, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, called)
	assert.FileExists(t, path)
}

func TestMaterializeMissingBase(t *testing.T) {
	dir, st := setupTree(t)
	ctx := context.Background()
	r := &inputs.Resolver{Store: st, InputsDir: dir}

	// Register a folder with no base file on disk.
	emptyDir := filepath.Join(dir, "ic_cells", "empty")
	require.NoError(t, os.MkdirAll(emptyDir, 0755))
	id, err := st.RegisterFolder(ctx, models.SlotICCells, "empty", false)
	require.NoError(t, err)

	_, err = r.Materialize(ctx, models.SlotICCells, id, models.VariationBase)
	assert.Error(t, err)
}
