package model

import "time"

// RecordHeader is the common portion of every record variant. Variant
// fields (specification, molecules, properties) hang off the record type.
type RecordHeader struct {
	ID          int64        `json:"id"`
	RecordType  RecordType   `json:"record_type"`
	Status      RecordStatus `json:"status"`
	OwnerUser   string       `json:"owner_user,omitempty"`
	OwnerGroup  string       `json:"owner_group,omitempty"`
	ManagerName *string      `json:"manager_name,omitempty"`
	CreatedOn   time.Time    `json:"created_on"`
	ModifiedOn  time.Time    `json:"modified_on"`
}

// Record is the full projection of a record as returned by the store. The
// related collections are populated according to the include/exclude
// projection of the fetch.
type Record struct {
	RecordHeader

	SpecificationID   int64                  `json:"specification_id"`
	SpecificationHash string                 `json:"specification_hash,omitempty"`
	Specification     map[string]interface{} `json:"specification,omitempty"`

	// MoleculeIDs is the ordered input identity: a single molecule for
	// singlepoints, an initial molecule for optimizations and services.
	MoleculeIDs []int64 `json:"molecule_ids,omitempty"`

	Extras     map[string]interface{} `json:"extras,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`

	ComputeHistory []ComputeHistory `json:"compute_history,omitempty"`
	Task           *Task            `json:"task,omitempty"`
	Service        *Service         `json:"service,omitempty"`
}

// Task is the leaf queue row associated with a waiting or running record.
type Task struct {
	ID               int64    `json:"id"`
	RecordID         int64    `json:"record_id"`
	RequiredPrograms []string `json:"required_programs"`
	Tag              string   `json:"tag"`
	Priority         Priority `json:"priority"`

	Function       string                 `json:"function"`
	FunctionKwargs map[string]interface{} `json:"function_kwargs,omitempty"`

	CreatedOn time.Time `json:"created_on"`

	// SortDate defaults to CreatedOn and advances when the task is demoted
	// (reset, manager eviction) so retried tasks do not leapfrog fresh ones
	// at the same priority.
	SortDate time.Time `json:"sort_date"`
}

// RecordTask is the claim-time projection handed to managers.
type RecordTask struct {
	ID               int64                  `json:"id"`
	RecordID         int64                  `json:"record_id"`
	RecordType       RecordType             `json:"record_type"`
	Function         string                 `json:"function"`
	FunctionKwargs   map[string]interface{} `json:"function_kwargs,omitempty"`
	RequiredPrograms []string               `json:"required_programs"`
}

// Service is the scaffolding row of a composite record.
type Service struct {
	ID       int64    `json:"id"`
	RecordID int64    `json:"record_id"`
	Tag      string   `json:"tag"`
	Priority Priority `json:"priority"`

	// FindExisting controls whether child submissions may share existing
	// records.
	FindExisting bool `json:"find_existing"`

	Iteration int `json:"iteration"`

	// State is the opaque persisted state of the service's state machine.
	State map[string]interface{} `json:"state,omitempty"`

	CreatedOn time.Time `json:"created_on"`

	Dependencies []ServiceDependency `json:"dependencies,omitempty"`
}

// ServiceDependency means "this service waits for this child record".
type ServiceDependency struct {
	ID            int64  `json:"id"`
	ServiceID     int64  `json:"service_id"`
	ChildRecordID int64  `json:"child_record_id"`
	Extras        string `json:"extras,omitempty"`
}

// ComputeHistory is one attempt entry in a record's ordered, append-only
// compute history.
type ComputeHistory struct {
	ID          int64                  `json:"id"`
	RecordID    int64                  `json:"record_id"`
	Status      RecordStatus           `json:"status"`
	ManagerName *string                `json:"manager_name,omitempty"`
	ModifiedOn  time.Time              `json:"modified_on"`
	Provenance  map[string]interface{} `json:"provenance,omitempty"`

	Outputs []OutputStore `json:"outputs,omitempty"`
}

// OutputStore is one compressed output blob attached to a history entry.
// Blobs are referenced from exactly one history entry; deleting the entry
// deletes its outputs.
type OutputStore struct {
	ID               int64      `json:"id"`
	HistoryID        int64      `json:"history_id"`
	OutputType       OutputType `json:"output_type"`
	CompressionType  string     `json:"compression_type"`
	CompressionLevel int        `json:"compression_level"`
	Data             []byte     `json:"data,omitempty"`
}
