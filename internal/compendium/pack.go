package compendium

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/runeforge/internal/document"
)

// PackFile is the top-level structure of a compendium pack YAML file.
//
// Example:
//
//	pack:
//	  name: feats-srd
//	  system: pf2e
//	items:
//	  - _id: shield-block
//	    name: Shield Block
//	    type: feat
//	    system:
//	      slug: shield-block
//	      schema: {version: 3}
type PackFile struct {
	Pack  PackMeta              `yaml:"pack"`
	Items []document.ItemSource `yaml:"items"`
}

// PackMeta names a pack.
type PackMeta struct {
	// Name is the pack identifier used in references.
	Name string `yaml:"name"`

	// System is the game system identifier (e.g. "pf2e"). Optional.
	System string `yaml:"system"`

	// Label is a display name.
	Label string `yaml:"label"`
}

// Reference returns the canonical reference of the pack item with id.
func (p PackMeta) Reference(id string) string {
	return Reference{System: p.System, Pack: p.Name, DocumentType: "Item", ID: id}.String()
}

// LoadPackFile reads and parses a pack YAML file from disk.
func LoadPackFile(path string) (*PackFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("compendium: open pack file %q: %w", path, err)
	}
	defer f.Close()

	pf, err := LoadPackFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("compendium: parse pack file %q: %w", path, err)
	}
	return pf, nil
}

// LoadPackFromReader parses pack YAML from an [io.Reader]. Unknown keys are
// rejected. Items without an ID get the sluggified name.
func LoadPackFromReader(r io.Reader) (*PackFile, error) {
	var pf PackFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("compendium: decode pack yaml: %w", err)
	}
	if pf.Pack.Name == "" {
		return nil, errors.New("compendium: pack.name must not be empty")
	}

	var errs []error
	seen := make(map[string]bool, len(pf.Items))
	for i := range pf.Items {
		it := &pf.Items[i]
		if it.ID == "" {
			it.ID = document.Sluggify(it.Name)
		}
		if err := document.Validate(it); err != nil {
			errs = append(errs, fmt.Errorf("items[%d] (%q): %w", i, it.Name, err))
		}
		if seen[it.ID] {
			errs = append(errs, fmt.Errorf("items[%d]: %w: %q", i, document.ErrDuplicateID, it.ID))
		}
		seen[it.ID] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("compendium: pack %q: %w", pf.Pack.Name, err)
	}
	return &pf, nil
}

// ImportPack writes every item of pack to dst under its canonical reference.
// Returns the number of items imported. An error from dst aborts the import
// and returns the count so far.
func ImportPack(ctx context.Context, dst document.Importer, pack *PackFile) (int, error) {
	if pack == nil {
		return 0, errors.New("compendium: pack must not be nil")
	}
	for i := range pack.Items {
		it := &pack.Items[i]
		if err := dst.PutReference(ctx, pack.Pack.Reference(it.ID), it); err != nil {
			return i, fmt.Errorf("compendium: import pack %q: %w", pack.Pack.Name, err)
		}
	}
	return len(pack.Items), nil
}
