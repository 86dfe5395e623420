package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/orbital-hq/orbital/model"
)

// TorsiondriveIterator walks a grid of constrained dihedral angles. Each
// grid point is served by one constrained optimization child; completing a
// point seeds its neighbors with the optimized geometry. The scan is done
// when every grid point holds an energy.
type TorsiondriveIterator struct{}

func (t *TorsiondriveIterator) Type() model.RecordType { return model.RecordTorsiondrive }

func (t *TorsiondriveIterator) Iterate(in *IterationInput) (*IterationResult, error) {
	spec, ok := in.Specification.(*model.TorsiondriveSpecification)
	if !ok {
		return nil, fmt.Errorf("torsiondrive iterator got a %s specification", in.Specification.Type())
	}

	axes, err := gridAxes(spec)
	if err != nil {
		return nil, err
	}

	state := in.State
	if state == nil {
		state = map[string]interface{}{}
	}
	grid := gridResults(state)

	var children []ChildSpec

	if in.Iteration == 0 {
		// Seed the scan at the origin point with the submitted molecule.
		origin := make([]int, len(axes))
		key := gridKey(origin)
		children = append(children, ChildSpec{
			Key:           key,
			Specification: constrainedOptimization(spec, axes, origin),
			MoleculeIDs:   in.MoleculeIDs,
		})
		return &IterationResult{Children: children, State: state}, nil
	}

	attempted := childEntries(state)

	for key, outcome := range in.Finished {
		point, err := parseGridKey(key)
		if err != nil {
			return nil, err
		}

		energy := finalEnergy(outcome.Properties)
		grid[key] = map[string]interface{}{
			"energy":    energy,
			"record_id": outcome.RecordID,
		}

		finalMol, err := finalMolecule(outcome.Properties)
		if err != nil {
			return nil, err
		}

		// Expand into unattempted neighbors, one step along each axis.
		for _, neighbor := range neighbors(point, axes) {
			nkey := gridKey(neighbor)
			if _, done := grid[nkey]; done {
				continue
			}
			if _, tried := attempted[nkey]; tried {
				continue
			}

			child := ChildSpec{
				Key:           nkey,
				Specification: constrainedOptimization(spec, axes, neighbor),
			}
			if finalMol != nil {
				child.Molecules = []*model.Molecule{finalMol}
			} else {
				child.MoleculeIDs = in.MoleculeIDs
			}
			children = append(children, child)
			attempted[nkey] = childEntry{}
		}
	}

	state["grid"] = grid

	if len(children) == 0 && len(grid) >= gridSize(axes) {
		return &IterationResult{Done: true, Properties: finalProperties(grid)}, nil
	}

	return &IterationResult{Children: children, State: state}, nil
}

// axis is one scanned dihedral: the angle values it takes, in degrees.
type axis struct {
	indices [4]int
	angles  []int
}

func gridAxes(spec *model.TorsiondriveSpecification) ([]axis, error) {
	axes := make([]axis, len(spec.Dihedrals))
	for i, dih := range spec.Dihedrals {
		spacing := spec.GridSpacing[i]
		if spacing <= 0 || spacing > 360 || 360%spacing != 0 {
			return nil, model.Validation("grid spacing %d must evenly divide 360", spacing)
		}
		angles := make([]int, 0, 360/spacing)
		for a := -180; a < 180; a += spacing {
			angles = append(angles, a)
		}
		axes[i] = axis{indices: dih, angles: angles}
	}
	return axes, nil
}

func gridSize(axes []axis) int {
	n := 1
	for _, ax := range axes {
		n *= len(ax.angles)
	}
	return n
}

// gridKey renders a grid point as comma-joined axis positions.
func gridKey(point []int) string {
	parts := make([]string, len(point))
	for i, p := range point {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func parseGridKey(key string) ([]int, error) {
	parts := strings.Split(key, ",")
	point := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("malformed grid key %q: %w", key, err)
		}
		point[i] = n
	}
	return point, nil
}

// neighbors yields the points one step along each axis, wrapping around
// the periodic scan.
func neighbors(point []int, axes []axis) [][]int {
	out := make([][]int, 0, 2*len(point))
	for dim := range point {
		for _, delta := range []int{-1, 1} {
			n := make([]int, len(point))
			copy(n, point)
			n[dim] = (point[dim] + delta + len(axes[dim].angles)) % len(axes[dim].angles)
			out = append(out, n)
		}
	}
	return out
}

// constrainedOptimization builds the child specification for one grid
// point: the service's optimization specification with frozen dihedrals.
func constrainedOptimization(spec *model.TorsiondriveSpecification, axes []axis, point []int) *model.OptimizationSpecification {
	constraints := make([]map[string]interface{}, len(axes))
	for i, ax := range axes {
		constraints[i] = map[string]interface{}{
			"type":    "dihedral",
			"indices": []int{ax.indices[0], ax.indices[1], ax.indices[2], ax.indices[3]},
			"value":   ax.angles[point[i]],
		}
	}

	keywords := make(map[string]interface{}, len(spec.OptimizationSpecification.Keywords)+1)
	for k, v := range spec.OptimizationSpecification.Keywords {
		keywords[k] = v
	}
	keywords["constraints"] = map[string]interface{}{"set": constraints}

	return &model.OptimizationSpecification{
		Program:         spec.OptimizationSpecification.Program,
		Keywords:        keywords,
		Protocols:       spec.OptimizationSpecification.Protocols,
		QCSpecification: spec.OptimizationSpecification.QCSpecification,
	}
}

func gridResults(state map[string]interface{}) map[string]interface{} {
	if g, ok := state["grid"].(map[string]interface{}); ok {
		return g
	}
	return map[string]interface{}{}
}

func finalEnergy(properties map[string]interface{}) float64 {
	if properties == nil {
		return 0
	}
	if e, ok := properties["return_result"].(float64); ok {
		return e
	}
	if e, ok := properties["final_energy"].(float64); ok {
		return e
	}
	return 0
}

// finalMolecule decodes the optimized geometry from a child's properties.
// Returns nil when the child did not report one.
func finalMolecule(properties map[string]interface{}) (*model.Molecule, error) {
	raw, ok := properties["final_molecule"]
	if !ok || raw == nil {
		return nil, nil
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode final molecule: %w", err)
	}
	mol := &model.Molecule{}
	if err := json.Unmarshal(blob, mol); err != nil {
		return nil, fmt.Errorf("failed to decode final molecule: %w", err)
	}
	// A reused molecule row keeps its old id and hash; the child insert
	// recomputes both.
	mol.ID = 0
	mol.MoleculeHash = ""
	return mol, nil
}

func finalProperties(grid map[string]interface{}) map[string]interface{} {
	energies := make(map[string]interface{}, len(grid))
	minKey := ""
	minEnergy := 0.0
	first := true
	for key, v := range grid {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		e, _ := m["energy"].(float64)
		energies[key] = e
		if first || e < minEnergy {
			minEnergy = e
			minKey = key
			first = false
		}
	}
	return map[string]interface{}{
		"final_energies":   energies,
		"minimum_position": minKey,
		"minimum_energy":   minEnergy,
	}
}
