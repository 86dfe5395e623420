// Package model defines the core data model of the Orbital server: record,
// task, service, manager and internal-job entities, their status machines,
// bulk-operation metadata, and the canonical content hashing used for
// deduplication.
package model

// RecordStatus is the lifecycle state of a record.
type RecordStatus string

const (
	StatusWaiting   RecordStatus = "waiting"
	StatusRunning   RecordStatus = "running"
	StatusComplete  RecordStatus = "complete"
	StatusError     RecordStatus = "error"
	StatusCancelled RecordStatus = "cancelled"
	StatusInvalid   RecordStatus = "invalid"
	StatusDeleted   RecordStatus = "deleted"
)

// TaskStatuses are the statuses under which a record may hold a task row.
var TaskStatuses = []RecordStatus{StatusWaiting, StatusRunning}

// validTransitions encodes the legal status edges. Reset (error -> waiting)
// and undelete are explicit operations with their own checks and are not
// reachable through the generic modify path.
var validTransitions = map[RecordStatus][]RecordStatus{
	StatusWaiting: {StatusRunning, StatusCancelled, StatusInvalid, StatusDeleted},
	StatusRunning: {StatusComplete, StatusError, StatusCancelled, StatusInvalid, StatusDeleted},
	StatusError:   {StatusWaiting, StatusCancelled, StatusInvalid, StatusDeleted},
	// complete is terminal apart from soft deletion
	StatusComplete:  {StatusDeleted},
	StatusCancelled: {StatusInvalid, StatusDeleted},
	StatusInvalid:   {StatusDeleted},
	StatusDeleted:   {},
}

// CanTransition reports whether moving a record from one status to another
// is legal under the status DAG.
func CanTransition(from, to RecordStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status ends the record's compute lifecycle.
func (s RecordStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusInvalid, StatusDeleted:
		return true
	}
	return false
}

// HasTask reports whether a record in this status may own a task row.
func (s RecordStatus) HasTask() bool {
	return s == StatusWaiting || s == StatusRunning
}

// Priority orders tasks within the queue. Higher values are claimed first.
type Priority int16

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// ParsePriority maps the wire representation to a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	}
	return PriorityNormal, false
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	}
	return "normal"
}

// ManagerStatus is the lifecycle state of a compute manager.
type ManagerStatus string

const (
	ManagerActive   ManagerStatus = "active"
	ManagerInactive ManagerStatus = "inactive"
)

// JobStatus is the lifecycle state of an internal job.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobRunning   JobStatus = "running"
	JobComplete  JobStatus = "complete"
	JobError     JobStatus = "error"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether a job status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobComplete, JobError, JobCancelled:
		return true
	}
	return false
}

// OutputType keys the outputs attached to a compute history entry.
type OutputType string

const (
	OutputStdout OutputType = "stdout"
	OutputStderr OutputType = "stderr"
	OutputError  OutputType = "error"
)
