package buildcache_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simforge/vct/internal/buildcache"
	"github.com/simforge/vct/internal/models"
)

// fakeMake writes a shell script that records every invocation and drops the
// engine executable into its working directory, standing in for make.
func fakeMake(t *testing.T) (program, invocationLog string) {
	t.Helper()
	dir := t.TempDir()
	invocationLog = filepath.Join(dir, "invocations.log")
	program = filepath.Join(dir, "fakemake")

	script := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %q
if [ "$1" = "clean" ]; then
    exit 0
fi
echo fake-binary > %s
`, invocationLog, buildcache.ArtifactName)
	require.NoError(t, os.WriteFile(program, []byte(script), 0755))
	return program, invocationLog
}

func invocations(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func newCache(t *testing.T, revision string) (*buildcache.Cache, string, string) {
	t.Helper()
	engineDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(engineDir, "Makefile"), []byte("all:\n"), 0644))
	codeDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(codeDir, "main.cpp"), []byte("int main() {}"), 0644))

	program, log := fakeMake(t)
	cache := &buildcache.Cache{
		EngineDir:   engineDir,
		ScratchDir:  t.TempDir(),
		Revision:    revision,
		MakeProgram: program,
	}
	return cache, codeDir, log
}

func TestEnsureBuiltCachesByRecord(t *testing.T) {
	cache, codeDir, log := newCache(t, "1.14.2")
	ctx := context.Background()

	require.NoError(t, cache.EnsureBuilt(ctx, codeDir, nil, false))
	assert.FileExists(t, filepath.Join(codeDir, buildcache.ArtifactName))
	require.Len(t, invocations(t, log), 1)

	// Same revision, same macros: no second build.
	require.NoError(t, cache.EnsureBuilt(ctx, codeDir, nil, false))
	assert.Len(t, invocations(t, log), 1)

	// force always rebuilds.
	require.NoError(t, cache.EnsureBuilt(ctx, codeDir, nil, true))
	assert.Len(t, invocations(t, log), 2)
}

func TestEnsureBuiltRebuildsOnRevisionChange(t *testing.T) {
	cache, codeDir, log := newCache(t, "1.14.2")
	ctx := context.Background()

	require.NoError(t, cache.EnsureBuilt(ctx, codeDir, nil, false))
	require.Len(t, invocations(t, log), 1)

	cache.Revision = "1.14.3"
	require.NoError(t, cache.EnsureBuilt(ctx, codeDir, nil, false))
	assert.Len(t, invocations(t, log), 2)
}

func TestEnsureBuiltCleansOnMacroCountChange(t *testing.T) {
	cache, codeDir, log := newCache(t, "1.14.2")
	ctx := context.Background()

	require.NoError(t, cache.EnsureBuilt(ctx, codeDir, nil, false))

	require.NoError(t, cache.EnsureBuilt(ctx, codeDir, []string{buildcache.MacroECM}, false))
	calls := invocations(t, log)
	require.Len(t, calls, 3, "macro count change runs clean before the build")
	assert.Equal(t, "clean", calls[1])
	assert.Contains(t, calls[2], "-DADDON_PHYSIECM")
}

func TestEnsureBuiltRebuildsWhenArtifactMissing(t *testing.T) {
	cache, codeDir, log := newCache(t, "1.14.2")
	ctx := context.Background()

	require.NoError(t, cache.EnsureBuilt(ctx, codeDir, nil, false))
	require.NoError(t, os.Remove(filepath.Join(codeDir, buildcache.ArtifactName)))

	require.NoError(t, cache.EnsureBuilt(ctx, codeDir, nil, false))
	assert.Len(t, invocations(t, log), 2)
	assert.FileExists(t, filepath.Join(codeDir, buildcache.ArtifactName))
}

func TestEnsureBuiltArchSelection(t *testing.T) {
	cache, codeDir, log := newCache(t, "1.14.2")
	ctx := context.Background()

	require.NoError(t, cache.EnsureBuilt(ctx, codeDir, nil, false))
	calls := invocations(t, log)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "-march=native")

	cache.HPC = true
	require.NoError(t, cache.EnsureBuilt(ctx, codeDir, nil, true))
	calls = invocations(t, log)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1], "-march=x86-64")
	assert.NotContains(t, calls[1], "-march=native")
}

func TestEnsureBuiltReportsBuildFailure(t *testing.T) {
	cache, codeDir, _ := newCache(t, "1.14.2")
	ctx := context.Background()

	failing := filepath.Join(t.TempDir(), "failmake")
	require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\necho 'undefined reference' >&2\nexit 2\n"), 0755))
	cache.MakeProgram = failing

	err := cache.EnsureBuilt(ctx, codeDir, nil, false)
	require.Error(t, err)

	// The failure leaves no build record, so the next attempt rebuilds.
	rebuild, _, derr := cache.NeedsBuild(codeDir, nil, false)
	require.NoError(t, derr)
	assert.True(t, rebuild)

	// stderr output survives for inspection.
	data, rerr := os.ReadFile(filepath.Join(codeDir, "compilation.err"))
	require.NoError(t, rerr)
	assert.Contains(t, string(data), "undefined reference")
}

func TestRequiredMacros(t *testing.T) {
	base := models.NewInputIdentity(1, 2)

	tests := []struct {
		name   string
		inputs models.InputIdentity
		config string
		want   []string
	}{
		{
			name:   "no optional features",
			inputs: base,
			config: "<PhysiCell_settings/>",
		},
		{
			name:   "ecm initial condition",
			inputs: base.Set(models.SlotICECM, 3),
			config: "<PhysiCell_settings/>",
			want:   []string{buildcache.MacroECM},
		},
		{
			name:   "ecm enabled in config only",
			inputs: base,
			config: `<PhysiCell_settings><ecm_setup enabled="true"/></PhysiCell_settings>`,
			want:   []string{buildcache.MacroECM},
		},
		{
			name:   "ecm disabled in config",
			inputs: base,
			config: `<PhysiCell_settings><ecm_setup enabled="false"/></PhysiCell_settings>`,
		},
		{
			name:   "intracellular model",
			inputs: base.Set(models.SlotIntracellular, 4),
			config: "<PhysiCell_settings/>",
			want:   []string{buildcache.MacroIntracellular},
		},
		{
			name:   "both features",
			inputs: base.Set(models.SlotICECM, 3).Set(models.SlotIntracellular, 4),
			config: "<PhysiCell_settings/>",
			want:   []string{buildcache.MacroECM, buildcache.MacroIntracellular},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildcache.RequiredMacros(tt.inputs, []byte(tt.config))
			assert.Equal(t, tt.want, got)
		})
	}
}
