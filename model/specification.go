package model

import (
	"fmt"
	"strings"
)

// RecordType discriminates the polymorphic record variants.
type RecordType string

const (
	RecordSinglepoint  RecordType = "singlepoint"
	RecordOptimization RecordType = "optimization"
	RecordTorsiondrive RecordType = "torsiondrive"
)

// Specification is the immutable, content-addressed "recipe" portion of a
// record. Each variant produces a canonical hash derived from its
// normalized fields; re-insertion of the same content yields the existing
// row.
type Specification interface {
	// Normalize lowercases and trims the fields the dedup rules require.
	Normalize()
	// Hash computes the canonical specification hash after normalization.
	Hash() (string, error)
	// Type names the record type this specification drives.
	Type() RecordType
	// ShortDescription renders a one-line human-readable summary.
	ShortDescription() string
}

// QCSpecification describes how to run a single quantum-chemistry
// computation.
type QCSpecification struct {
	Program   string                 `json:"program"`
	Driver    string                 `json:"driver"`
	Method    string                 `json:"method"`
	Basis     string                 `json:"basis"`
	Keywords  map[string]interface{} `json:"keywords,omitempty"`
	Protocols map[string]interface{} `json:"protocols,omitempty"`
}

func (s *QCSpecification) Normalize() {
	s.Program = strings.ToLower(strings.TrimSpace(s.Program))
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	s.Method = strings.ToLower(strings.TrimSpace(s.Method))
	s.Basis = strings.ToLower(strings.TrimSpace(s.Basis))
}

func (s *QCSpecification) Hash() (string, error) {
	s.Normalize()
	return CanonicalHash(s)
}

func (s *QCSpecification) Type() RecordType { return RecordSinglepoint }

func (s *QCSpecification) ShortDescription() string {
	basis := s.Basis
	if basis == "" {
		basis = "(none)"
	}
	return fmt.Sprintf("singlepoint %s %s/%s with %s", s.Driver, s.Method, basis, s.Program)
}

// Validate checks the required fields of a singlepoint specification.
func (s *QCSpecification) Validate() error {
	if strings.TrimSpace(s.Program) == "" {
		return Validation("specification program is required")
	}
	if strings.TrimSpace(s.Method) == "" {
		return Validation("specification method is required")
	}
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "energy", "gradient", "hessian", "properties":
	default:
		return Validation("unknown driver %q", s.Driver)
	}
	return nil
}

// OptimizationSpecification describes a geometry optimization driven by an
// optimizer program around an inner singlepoint specification.
type OptimizationSpecification struct {
	Program         string                 `json:"program"`
	Keywords        map[string]interface{} `json:"keywords,omitempty"`
	Protocols       map[string]interface{} `json:"protocols,omitempty"`
	QCSpecification QCSpecification        `json:"qc_specification"`
}

func (s *OptimizationSpecification) Normalize() {
	s.Program = strings.ToLower(strings.TrimSpace(s.Program))
	s.QCSpecification.Normalize()
}

func (s *OptimizationSpecification) Hash() (string, error) {
	s.Normalize()
	return CanonicalHash(s)
}

func (s *OptimizationSpecification) Type() RecordType { return RecordOptimization }

func (s *OptimizationSpecification) ShortDescription() string {
	return fmt.Sprintf("optimization with %s, gradients from %s %s/%s",
		s.Program, s.QCSpecification.Program, s.QCSpecification.Method, s.QCSpecification.Basis)
}

func (s *OptimizationSpecification) Validate() error {
	if strings.TrimSpace(s.Program) == "" {
		return Validation("optimization program is required")
	}
	if err := s.QCSpecification.Validate(); err != nil {
		return err
	}
	return nil
}

// TorsiondriveSpecification drives a multi-step torsion scan service whose
// children are optimization records.
type TorsiondriveSpecification struct {
	Program                   string                    `json:"program"`
	Keywords                  map[string]interface{}    `json:"keywords,omitempty"`
	OptimizationSpecification OptimizationSpecification `json:"optimization_specification"`

	// Dihedrals are the torsion index quadruplets being scanned.
	Dihedrals [][4]int `json:"dihedrals"`

	// GridSpacing is the scan step per dihedral, in degrees.
	GridSpacing []int `json:"grid_spacing"`
}

func (s *TorsiondriveSpecification) Normalize() {
	s.Program = strings.ToLower(strings.TrimSpace(s.Program))
	s.OptimizationSpecification.Normalize()
}

func (s *TorsiondriveSpecification) Hash() (string, error) {
	s.Normalize()
	return CanonicalHash(s)
}

func (s *TorsiondriveSpecification) Type() RecordType { return RecordTorsiondrive }

func (s *TorsiondriveSpecification) ShortDescription() string {
	return fmt.Sprintf("torsiondrive over %d dihedrals with %s, optimizations from %s",
		len(s.Dihedrals), s.Program, s.OptimizationSpecification.Program)
}

func (s *TorsiondriveSpecification) Validate() error {
	if strings.TrimSpace(s.Program) == "" {
		return Validation("torsiondrive program is required")
	}
	if len(s.Dihedrals) == 0 {
		return Validation("torsiondrive requires at least one dihedral")
	}
	if len(s.GridSpacing) != len(s.Dihedrals) {
		return Validation("grid spacing length %d does not match %d dihedrals",
			len(s.GridSpacing), len(s.Dihedrals))
	}
	return s.OptimizationSpecification.Validate()
}
