package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQCSpecificationHashNormalizes(t *testing.T) {
	a := &QCSpecification{Program: "Psi4", Driver: "Energy", Method: "B3LYP", Basis: "Def2-SVP"}
	b := &QCSpecification{Program: "psi4", Driver: "energy", Method: "b3lyp", Basis: "def2-svp"}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestQCSpecificationHashDistinguishesMethod(t *testing.T) {
	a := &QCSpecification{Program: "psi4", Driver: "energy", Method: "hf", Basis: "sto-3g"}
	b := &QCSpecification{Program: "psi4", Driver: "energy", Method: "b3lyp", Basis: "sto-3g"}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestQCSpecificationValidate(t *testing.T) {
	valid := &QCSpecification{Program: "psi4", Driver: "energy", Method: "hf", Basis: "sto-3g"}
	require.NoError(t, valid.Validate())

	assert.Error(t, (&QCSpecification{Driver: "energy", Method: "hf"}).Validate())
	assert.Error(t, (&QCSpecification{Program: "psi4", Driver: "energy"}).Validate())
	assert.Error(t, (&QCSpecification{Program: "psi4", Driver: "velocity", Method: "hf"}).Validate())
}

func TestOptimizationSpecificationValidate(t *testing.T) {
	valid := &OptimizationSpecification{
		Program: "geometric",
		QCSpecification: QCSpecification{
			Program: "psi4", Driver: "gradient", Method: "hf", Basis: "sto-3g",
		},
	}
	require.NoError(t, valid.Validate())
	assert.Equal(t, RecordOptimization, valid.Type())

	missing := &OptimizationSpecification{
		QCSpecification: QCSpecification{Program: "psi4", Driver: "gradient", Method: "hf"},
	}
	assert.Error(t, missing.Validate())
}

func TestTorsiondriveSpecificationValidate(t *testing.T) {
	valid := &TorsiondriveSpecification{
		Program: "torsiondrive",
		OptimizationSpecification: OptimizationSpecification{
			Program: "geometric",
			QCSpecification: QCSpecification{
				Program: "psi4", Driver: "gradient", Method: "hf", Basis: "sto-3g",
			},
		},
		Dihedrals:   [][4]int{{0, 1, 2, 3}},
		GridSpacing: []int{30},
	}
	require.NoError(t, valid.Validate())
	assert.Equal(t, RecordTorsiondrive, valid.Type())

	noDihedrals := *valid
	noDihedrals.Dihedrals = nil
	assert.Error(t, noDihedrals.Validate())

	mismatched := *valid
	mismatched.GridSpacing = []int{30, 60}
	assert.Error(t, mismatched.Validate())
}

func TestShortDescriptions(t *testing.T) {
	sp := &QCSpecification{Program: "psi4", Driver: "energy", Method: "b3lyp", Basis: "def2-svp"}
	assert.Contains(t, sp.ShortDescription(), "b3lyp/def2-svp")

	opt := &OptimizationSpecification{Program: "geometric", QCSpecification: *sp}
	assert.Contains(t, opt.ShortDescription(), "geometric")

	td := &TorsiondriveSpecification{
		Program:                   "torsiondrive",
		OptimizationSpecification: *opt,
		Dihedrals:                 [][4]int{{0, 1, 2, 3}},
		GridSpacing:               []int{15},
	}
	assert.Contains(t, td.ShortDescription(), "1 dihedrals")
}
