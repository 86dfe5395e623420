package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalHashKeyOrder(t *testing.T) {
	a, err := CanonicalHash(map[string]interface{}{"method": "b3lyp", "basis": "def2-svp"})
	require.NoError(t, err)
	b, err := CanonicalHash(map[string]interface{}{"basis": "def2-svp", "method": "b3lyp"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalHashFloatNormalization(t *testing.T) {
	a, err := CanonicalHash(map[string]interface{}{"x": 1.0})
	require.NoError(t, err)
	b, err := CanonicalHash(map[string]interface{}{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b, "1.0 and 1 should canonicalize identically")

	// Differences beyond the normalized precision do not change the hash.
	c, err := CanonicalHash(map[string]interface{}{"x": 0.12345678901234})
	require.NoError(t, err)
	d, err := CanonicalHash(map[string]interface{}{"x": 0.12345678899999})
	require.NoError(t, err)
	assert.Equal(t, c, d)

	// Differences within precision do.
	e, err := CanonicalHash(map[string]interface{}{"x": 0.1234567891})
	require.NoError(t, err)
	assert.NotEqual(t, c, e)
}

func TestCanonicalHashDropsNulls(t *testing.T) {
	a, err := CanonicalHash(map[string]interface{}{"method": "hf", "keywords": nil})
	require.NoError(t, err)
	b, err := CanonicalHash(map[string]interface{}{"method": "hf"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalHashTrimsStrings(t *testing.T) {
	a, err := CanonicalHash(map[string]interface{}{"method": "  hf  "})
	require.NoError(t, err)
	b, err := CanonicalHash(map[string]interface{}{"method": "hf"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalHashDistinguishesContent(t *testing.T) {
	a, err := CanonicalHash(map[string]interface{}{"method": "hf"})
	require.NoError(t, err)
	b, err := CanonicalHash(map[string]interface{}{"method": "b3lyp"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMoleculeComputeHash(t *testing.T) {
	water := func() *Molecule {
		return &Molecule{
			Symbols:  []string{"O", "H", "H"},
			Geometry: []float64{0, 0, 0, 0, 0.75, 0.58, 0, -0.75, 0.58},
		}
	}

	a := water()
	require.NoError(t, a.ComputeHash())
	assert.NotEmpty(t, a.MoleculeHash)

	// Symbol case does not defeat deduplication.
	b := water()
	b.Symbols = []string{"o", "h", "h"}
	require.NoError(t, b.ComputeHash())
	assert.Equal(t, a.MoleculeHash, b.MoleculeHash)

	// Geometry changes do.
	c := water()
	c.Geometry[1] = 0.1
	require.NoError(t, c.ComputeHash())
	assert.NotEqual(t, a.MoleculeHash, c.MoleculeHash)
}

func TestMoleculeValidate(t *testing.T) {
	m := &Molecule{Symbols: []string{"H", "H"}, Geometry: make([]float64, 6)}
	require.NoError(t, m.Validate())

	m.Geometry = make([]float64, 5)
	assert.Error(t, m.Validate())

	assert.Error(t, (&Molecule{}).Validate())
}
