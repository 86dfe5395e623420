package model

// Result payload schema names accepted from managers. The server treats
// payloads opaquely beyond the fields below.
const (
	SchemaOutput             = "qcschema_output"
	SchemaOptimizationOutput = "qcschema_optimization_output"
	SchemaServiceResult      = "orbital_service_result"
)

// ResultPayload is the discriminated union of result bodies returned by
// managers. SchemaName selects the variant; Success selects the
// completion path.
type ResultPayload struct {
	SchemaName string `json:"schema_name"`
	Success    bool   `json:"success"`

	Properties map[string]interface{} `json:"properties,omitempty"`
	Provenance map[string]interface{} `json:"provenance,omitempty"`
	Stdout     *string                `json:"stdout,omitempty"`
	Stderr     *string                `json:"stderr,omitempty"`
	Error      *ComputeError          `json:"error,omitempty"`

	// ReturnResult is the scalar or array the driver asked for
	// (qcschema_output).
	ReturnResult interface{} `json:"return_result,omitempty"`

	// FinalMolecule and Trajectory carry optimization results
	// (qcschema_optimization_output). Trajectory entries are ordered
	// atomic results.
	FinalMolecule *Molecule       `json:"final_molecule,omitempty"`
	Trajectory    []ResultPayload `json:"trajectory,omitempty"`

	// Results is the generic service-subtask envelope body.
	Results map[string]interface{} `json:"results,omitempty"`
}
