// Package inputs manages the on-disk inputs tree: one directory per slot,
// one folder per registered input. The startup scan registers every folder it
// finds with the identity registry; the resolver materializes the concrete
// file a Run consumes for a given (slot, folder, variation index).
package inputs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/simforge/vct/internal/models"
	"github.com/simforge/vct/internal/store"
)

// FolderMeta is the optional folder.toml sitting inside an input folder.
type FolderMeta struct {
	Variable    bool   `toml:"variable"`
	BaseFile    string `toml:"base_file,omitempty"`
	Description string `toml:"description,omitempty"`
}

// LoadFolderMeta reads folder.toml from dir; a missing file yields zero-value
// metadata (static folder, default base file).
func LoadFolderMeta(dir string) (FolderMeta, error) {
	var meta FolderMeta

	data, err := os.ReadFile(filepath.Join(dir, "folder.toml"))
	if os.IsNotExist(err) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("reading folder.toml: %w", err)
	}

	if _, err := toml.Decode(string(data), &meta); err != nil {
		return meta, fmt.Errorf("parsing folder.toml: %w", err)
	}
	return meta, nil
}

// defaultBaseFile maps each slot to the conventional base file name inside
// its folders.
func defaultBaseFile(slot models.Slot) string {
	switch slot {
	case models.SlotConfig:
		return "PhysiCell_settings.xml"
	case models.SlotRulesets:
		return "base_rulesets.csv"
	case models.SlotIntracellular:
		return "intracellular.xml"
	case models.SlotICCells:
		return "cells.csv"
	case models.SlotICSubstrate:
		return "substrates.csv"
	case models.SlotICECM:
		return "ecm.csv"
	case models.SlotICDirichlet:
		return "dcs.csv"
	}
	return ""
}

// ScanFolders walks inputs/<slot>/<folder> and idempotently registers every
// folder found. Only variable-capable slots honor the folder.toml variable
// flag.
func ScanFolders(ctx context.Context, st *store.Store, inputsDir string) error {
	for _, slot := range models.Slots() {
		slotDir := filepath.Join(inputsDir, string(slot))

		entries, err := os.ReadDir(slotDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading slot directory %s: %w", slotDir, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			meta, err := LoadFolderMeta(filepath.Join(slotDir, entry.Name()))
			if err != nil {
				return fmt.Errorf("folder %s/%s: %w", slot, entry.Name(), err)
			}

			variable := meta.Variable && slot.Variable()
			id, err := st.RegisterFolder(ctx, slot, entry.Name(), variable)
			if err != nil {
				return fmt.Errorf("registering folder %s/%s: %w", slot, entry.Name(), err)
			}
			slog.Debug("registered input folder",
				"slot", slot, "folder", entry.Name(), "id", id, "variable", variable)
		}
	}
	return nil
}

// GenerateFunc produces the variation file for a templated input on demand.
// It belongs to the external file-templating subsystem; the resolver only
// calls it when a positive variation index has no pre-generated file.
type GenerateFunc func(ctx context.Context, slot models.Slot, folderDir string, variation int) (string, error)

// Resolver maps (slot, folder, variation index) to a concrete file path.
type Resolver struct {
	Store     *store.Store
	InputsDir string
	Generate  GenerateFunc
}

// FolderDir returns the directory of a registered folder.
func (r *Resolver) FolderDir(ctx context.Context, slot models.Slot, folderID int) (string, error) {
	name, err := r.Store.FolderName(ctx, slot, folderID)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("slot %s is unused", slot)
	}
	return filepath.Join(r.InputsDir, string(slot), name), nil
}

// Materialize resolves the file a Run consumes for the slot. Variation index
// zero (or a non-variable slot) selects the folder's base file; a positive
// index selects the recorded override, generating it on demand when a
// generator is wired. A missing, ungeneratable file is the command
// construction failure the runner converts into a Failed status.
func (r *Resolver) Materialize(ctx context.Context, slot models.Slot, folderID, variation int) (string, error) {
	dir, err := r.FolderDir(ctx, slot, folderID)
	if err != nil {
		return "", err
	}

	meta, err := LoadFolderMeta(dir)
	if err != nil {
		return "", err
	}

	base := meta.BaseFile
	if base == "" {
		base = defaultBaseFile(slot)
	}

	if variation <= models.VariationBase {
		path := filepath.Join(dir, base)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("base file for slot %s: %w", slot, err)
		}
		return path, nil
	}

	ext := filepath.Ext(base)
	path := filepath.Join(dir, "variations", fmt.Sprintf("%s_variation_%d%s", slot, variation, ext))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if r.Generate != nil {
		generated, err := r.Generate(ctx, slot, dir, variation)
		if err != nil {
			return "", fmt.Errorf("generating variation %d for slot %s: %w", variation, slot, err)
		}
		return generated, nil
	}

	return "", fmt.Errorf("variation file %s missing and no generator wired", path)
}
