package model

import (
	"fmt"
	"strings"
	"time"
)

// Molecule is a content-addressed chemistry input. It is immutable after
// insertion; MoleculeHash is the deduplication key.
type Molecule struct {
	ID                    int64             `json:"id"`
	MoleculeHash          string            `json:"molecule_hash"`
	Name                  string            `json:"name,omitempty"`
	Symbols               []string          `json:"symbols"`
	Geometry              []float64         `json:"geometry"`
	MolecularCharge       float64           `json:"molecular_charge"`
	MolecularMultiplicity int               `json:"molecular_multiplicity"`
	FragmentCharges       []float64         `json:"fragment_charges,omitempty"`
	Fragments             [][]int           `json:"fragments,omitempty"`
	Connectivity          [][3]int          `json:"connectivity,omitempty"`
	Identifiers           map[string]string `json:"identifiers,omitempty"`
	CreatedOn             time.Time         `json:"created_on,omitempty"`
}

// Validate checks the structural consistency of a molecule.
func (m *Molecule) Validate() error {
	if len(m.Symbols) == 0 {
		return Validation("molecule has no atoms")
	}
	if len(m.Geometry) != 3*len(m.Symbols) {
		return Validation("molecule geometry length %d does not match %d atoms",
			len(m.Geometry), len(m.Symbols))
	}
	return nil
}

// ComputeHash fills MoleculeHash from the molecule's canonical fields.
// Symbols are capitalized element names; they are lowercased for hashing so
// client-side case differences do not defeat deduplication.
func (m *Molecule) ComputeHash() error {
	symbols := make([]string, len(m.Symbols))
	for i, s := range m.Symbols {
		symbols[i] = strings.ToLower(strings.TrimSpace(s))
	}

	fields := map[string]interface{}{
		"symbols":      symbols,
		"geometry":     m.Geometry,
		"charge":       m.MolecularCharge,
		"multiplicity": m.MolecularMultiplicity,
	}
	if len(m.FragmentCharges) > 0 {
		fields["fragment_charges"] = m.FragmentCharges
	}
	if len(m.Fragments) > 0 {
		fields["fragments"] = m.Fragments
	}
	if len(m.Connectivity) > 0 {
		fields["connectivity"] = m.Connectivity
	}

	h, err := CanonicalHash(fields)
	if err != nil {
		return fmt.Errorf("failed to hash molecule: %w", err)
	}
	m.MoleculeHash = h
	return nil
}
