package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/roach88/modeltable/internal/ir"
)

// Seed is a TOML manifest of models and labels applied at startup:
//
//	[[model]]
//	id = 1
//	name = "counter"
//	type = "Data"
//
//	[[label]]
//	model_id = 1
//	p = 1
//	r = 0
//	c = 0
//	k = "count"
//	t = "int"
//	v = 0
type Seed struct {
	Models []SeedModel `toml:"model"`
	Labels []SeedLabel `toml:"label"`
}

// SeedModel declares a model.
type SeedModel struct {
	ID   int    `toml:"id"`
	Name string `toml:"name"`
	Type string `toml:"type"`
}

// SeedLabel declares one label.
type SeedLabel struct {
	ModelID int    `toml:"model_id"`
	P       int    `toml:"p"`
	R       int    `toml:"r"`
	C       int    `toml:"c"`
	K       string `toml:"k"`
	T       string `toml:"t"`
	V       any    `toml:"v"`
}

// LoadSeed reads a seed manifest.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed parses a seed manifest.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing seed: %w", err)
	}
	return &s, nil
}

// Patch converts the seed into a patch: create_model records first, then
// add_label records in manifest order. Label values are normalised to the
// table's generic JSON form.
func (s *Seed) Patch(opID string) (ir.Patch, error) {
	records := make([]ir.Record, 0, len(s.Models)+len(s.Labels))
	for _, m := range s.Models {
		typ := m.Type
		if typ == "" {
			typ = ir.ModelTypeData
		}
		records = append(records, ir.CreateModelRecord(m.ID, m.Name, typ))
	}
	for i, l := range s.Labels {
		v, err := ir.Normalize(l.V)
		if err != nil {
			return ir.Patch{}, fmt.Errorf("seed label %d (%s): %w", i, l.K, err)
		}
		at := ir.Coord{P: l.P, R: l.R, C: l.C}
		records = append(records, ir.AddLabelRecord(l.ModelID, at, ir.Label{K: l.K, T: l.T, V: v}))
	}
	return ir.NewPatch(opID, records...), nil
}
