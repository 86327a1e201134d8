// Package buildcache decides whether the simulation engine tied to a
// custom-code folder needs a rebuild, and performs the build in an isolated
// scratch tree so concurrent builds for different folders never collide.
package buildcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/simforge/vct/internal/models"
)

// ArtifactName is the fixed name of the compiled engine executable inside a
// custom-code folder.
const ArtifactName = "project"

// recordFile holds the revision and macro set of the last successful build.
const recordFile = "build_record.toml"

// Feature macros required by optional engine capabilities.
const (
	MacroECM           = "ADDON_PHYSIECM"
	MacroIntracellular = "ADDON_ROADRUNNER"
)

// RequiredMacros derives the compile-time feature macros a group's
// configuration needs. Pure over the resolved inputs and the base config
// content; macros are a per-group property, never per-Run.
func RequiredMacros(ii models.InputIdentity, configContent []byte) []string {
	var macros []string
	if ii.Used(models.SlotICECM) || bytes.Contains(configContent, []byte(`<ecm_setup enabled="true"`)) {
		macros = append(macros, MacroECM)
	}
	if ii.Used(models.SlotIntracellular) {
		macros = append(macros, MacroIntracellular)
	}
	return macros
}

// BuildRecord is the build_record.toml persisted in a custom-code folder
// after a successful build.
type BuildRecord struct {
	Revision string    `toml:"revision"`
	Macros   []string  `toml:"macros"`
	BuiltAt  time.Time `toml:"built_at"`
}

func loadRecord(codeDir string) (BuildRecord, bool, error) {
	var rec BuildRecord

	data, err := os.ReadFile(filepath.Join(codeDir, recordFile))
	if os.IsNotExist(err) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("reading build record: %w", err)
	}

	if _, err := toml.Decode(string(data), &rec); err != nil {
		return rec, false, fmt.Errorf("parsing build record: %w", err)
	}
	return rec, true, nil
}

func saveRecord(codeDir string, rec BuildRecord) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encoding build record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(codeDir, recordFile), buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing build record: %w", err)
	}
	return nil
}

// Cache performs cached builds of the engine executable. Not safe to run
// concurrently for the same custom-code folder; callers go through the
// per-folder lock held inside EnsureBuilt.
type Cache struct {
	// EngineDir is the root of the engine source tree to copy.
	EngineDir string
	// ScratchDir receives the uniquely-named build trees.
	ScratchDir string
	// Revision is the engine's current source revision identifier.
	Revision string
	// HPC selects the portable architecture baseline over -march=native.
	HPC bool
	// MakeProgram overrides the build tool, for tests.
	MakeProgram string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// folderLock serializes builds per custom-code folder. Groups with different
// folders may build in parallel.
func (c *Cache) folderLock(codeDir string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks == nil {
		c.locks = make(map[string]*sync.Mutex)
	}
	l, ok := c.locks[codeDir]
	if !ok {
		l = &sync.Mutex{}
		c.locks[codeDir] = l
	}
	return l
}

// NeedsBuild applies the rebuild decision rule. fullClean reports that the
// macro set changed size, which requires a clean before rebuilding.
func (c *Cache) NeedsBuild(codeDir string, macros []string, force bool) (rebuild, fullClean bool, err error) {
	if force {
		return true, false, nil
	}

	rec, found, err := loadRecord(codeDir)
	if err != nil {
		return false, false, err
	}
	if !found {
		return true, false, nil
	}

	if len(macros) != len(rec.Macros) {
		return true, true, nil
	}
	if rec.Revision != c.Revision {
		return true, false, nil
	}
	if _, err := os.Stat(filepath.Join(codeDir, ArtifactName)); err != nil {
		return true, false, nil
	}
	return false, false, nil
}

// EnsureBuilt makes sure codeDir holds an executable compiled from the
// current revision with the required macros, rebuilding if the decision rule
// says so. Build failure is reported as an error the caller must check; the
// compilation logs stay in codeDir for inspection.
func (c *Cache) EnsureBuilt(ctx context.Context, codeDir string, macros []string, force bool) error {
	lock := c.folderLock(codeDir)
	lock.Lock()
	defer lock.Unlock()

	rebuild, fullClean, err := c.NeedsBuild(codeDir, macros, force)
	if err != nil {
		return err
	}
	if !rebuild {
		slog.Debug("build cache hit", "code_dir", codeDir, "revision", c.Revision)
		return nil
	}

	slog.Info("building engine executable",
		"code_dir", codeDir, "revision", c.Revision, "macros", macros, "clean", fullClean)

	if err := c.build(ctx, codeDir, macros, fullClean); err != nil {
		return err
	}

	return saveRecord(codeDir, BuildRecord{
		Revision: c.Revision,
		Macros:   slices.Clone(macros),
		BuiltAt:  time.Now().UTC(),
	})
}

func (c *Cache) build(ctx context.Context, codeDir string, macros []string, fullClean bool) error {
	scratch := filepath.Join(c.ScratchDir, uuid.NewString())
	if err := copyTree(c.EngineDir, scratch); err != nil {
		return fmt.Errorf("copying engine tree: %w", err)
	}
	defer os.RemoveAll(scratch)

	// Overlay the custom-code folder's override files onto the scratch tree.
	for _, name := range []string{"main.cpp", "Makefile", "custom_modules"} {
		src := filepath.Join(codeDir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyTree(src, filepath.Join(scratch, name)); err != nil {
			return fmt.Errorf("overlaying %s: %w", name, err)
		}
	}

	makeProg := c.MakeProgram
	if makeProg == "" {
		makeProg = "make"
	}

	outLog, err := os.Create(filepath.Join(codeDir, "compilation.log"))
	if err != nil {
		return fmt.Errorf("creating compilation log: %w", err)
	}
	defer outLog.Close()

	errLogPath := filepath.Join(codeDir, "compilation.err")
	errLog, err := os.Create(errLogPath)
	if err != nil {
		return fmt.Errorf("creating compilation error log: %w", err)
	}
	defer errLog.Close()

	if fullClean {
		clean := exec.CommandContext(ctx, makeProg, "clean")
		clean.Dir = scratch
		clean.Stdout = outLog
		clean.Stderr = errLog
		if err := clean.Run(); err != nil {
			return fmt.Errorf("make clean: %w", err)
		}
	}

	arch := "-march=native"
	if c.HPC {
		arch = "-march=x86-64"
	}
	flags := arch
	for _, m := range macros {
		flags += " -D" + m
	}

	cmd := exec.CommandContext(ctx, makeProg,
		"-j", strconv.Itoa(runtime.NumCPU()),
		"EXTRA_FLAGS="+flags)
	cmd.Dir = scratch
	cmd.Stdout = outLog
	cmd.Stderr = errLog

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("engine build failed (see %s): %w", errLogPath, err)
	}

	if err := os.Rename(filepath.Join(scratch, ArtifactName), filepath.Join(codeDir, ArtifactName)); err != nil {
		// Rename fails across filesystems; fall back to a copy.
		if cerr := copyFile(filepath.Join(scratch, ArtifactName), filepath.Join(codeDir, ArtifactName)); cerr != nil {
			return fmt.Errorf("installing executable: %w", cerr)
		}
	}

	// An empty stderr log carries no information.
	if fi, err := os.Stat(errLogPath); err == nil && fi.Size() == 0 {
		os.Remove(errLogPath)
	}

	return nil
}

// copyTree copies a file or directory recursively, skipping version-control
// metadata.
func copyTree(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}

	if !fi.IsDir() {
		return copyFile(src, dst)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
