package model

// IndexedError pairs a failed item's position in a bulk request with the
// failure reason. Bulk endpoints never abort on the first error; they
// report per-item dispositions instead.
type IndexedError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// InsertMetadata reports the per-item disposition of a bulk insert.
type InsertMetadata struct {
	InsertedIdx []int          `json:"inserted_idx"`
	ExistingIdx []int          `json:"existing_idx"`
	Errors      []IndexedError `json:"errors"`
}

// NewInsertMetadata returns metadata with non-nil slices so JSON encoding
// yields empty arrays rather than nulls.
func NewInsertMetadata() *InsertMetadata {
	return &InsertMetadata{
		InsertedIdx: []int{},
		ExistingIdx: []int{},
		Errors:      []IndexedError{},
	}
}

// AddInserted records a freshly inserted item.
func (m *InsertMetadata) AddInserted(idx int) { m.InsertedIdx = append(m.InsertedIdx, idx) }

// AddExisting records an item deduplicated against an existing row.
func (m *InsertMetadata) AddExisting(idx int) { m.ExistingIdx = append(m.ExistingIdx, idx) }

// AddError records a failed item.
func (m *InsertMetadata) AddError(idx int, msg string) {
	m.Errors = append(m.Errors, IndexedError{Index: idx, Error: msg})
}

// Success reports whether every item was inserted or matched.
func (m *InsertMetadata) Success() bool { return len(m.Errors) == 0 }

// NInserted is the number of newly inserted items.
func (m *InsertMetadata) NInserted() int { return len(m.InsertedIdx) }

// NExisting is the number of deduplicated items.
func (m *InsertMetadata) NExisting() int { return len(m.ExistingIdx) }

// UpdateMetadata reports the per-item disposition of a bulk update.
type UpdateMetadata struct {
	UpdatedIdx []int          `json:"updated_idx"`
	Errors     []IndexedError `json:"errors"`
}

func NewUpdateMetadata() *UpdateMetadata {
	return &UpdateMetadata{UpdatedIdx: []int{}, Errors: []IndexedError{}}
}

func (m *UpdateMetadata) AddUpdated(idx int) { m.UpdatedIdx = append(m.UpdatedIdx, idx) }

func (m *UpdateMetadata) AddError(idx int, msg string) {
	m.Errors = append(m.Errors, IndexedError{Index: idx, Error: msg})
}

func (m *UpdateMetadata) NUpdated() int { return len(m.UpdatedIdx) }

func (m *UpdateMetadata) Success() bool { return len(m.Errors) == 0 }

// Task return rejection reasons.
const (
	RejectNotFound     = "not_found"
	RejectWrongManager = "wrong_manager"
	RejectNotRunning   = "not_running"
)

// RejectedInfo pairs a rejected task's index in the return batch with the
// rejection reason.
type RejectedInfo struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// TaskReturnMetadata reports the outcome of a manager result return. The
// call is partially successful; one bad task does not poison the batch.
type TaskReturnMetadata struct {
	AcceptedIDs  []int64        `json:"accepted_ids"`
	RejectedInfo []RejectedInfo `json:"rejected_info"`
}

func NewTaskReturnMetadata() *TaskReturnMetadata {
	return &TaskReturnMetadata{AcceptedIDs: []int64{}, RejectedInfo: []RejectedInfo{}}
}

func (m *TaskReturnMetadata) AddAccepted(id int64) {
	m.AcceptedIDs = append(m.AcceptedIDs, id)
}

func (m *TaskReturnMetadata) AddRejected(idx int, reason string) {
	m.RejectedInfo = append(m.RejectedInfo, RejectedInfo{Index: idx, Reason: reason})
}
