package model

import "time"

// InternalJob is one row of the durable background-work queue. Heartbeat
// checks, service iteration and statistics snapshots all run through this
// table rather than in-process timers, so scheduled work survives restarts
// and multiple server processes cooperate without an external scheduler.
type InternalJob struct {
	ID       int64                  `json:"id"`
	Name     string                 `json:"name"`
	Function string                 `json:"function"`
	Kwargs   map[string]interface{} `json:"kwargs,omitempty"`
	Status   JobStatus              `json:"status"`

	ScheduledDate time.Time  `json:"scheduled_date"`
	StartedDate   *time.Time `json:"started_date,omitempty"`
	LastUpdated   *time.Time `json:"last_updated,omitempty"`
	EndedDate     *time.Time `json:"ended_date,omitempty"`

	RunnerHostname *string `json:"runner_hostname,omitempty"`
	RunnerUUID     *string `json:"runner_uuid,omitempty"`

	Progress int                    `json:"progress"`
	Result   map[string]interface{} `json:"result,omitempty"`

	// AfterFunction, when set, is enqueued as a follow-up job when this one
	// finishes. Self-perpetuating periodic tasks chain through it.
	AfterFunction       string                 `json:"after_function,omitempty"`
	AfterFunctionKwargs map[string]interface{} `json:"after_function_kwargs,omitempty"`

	// UniqueName, when set, suppresses insertion while a waiting row with
	// the same name exists.
	UniqueName *string `json:"unique_name,omitempty"`

	// SerialGroup, when set, admits at most one running row per value.
	SerialGroup *string `json:"serial_group,omitempty"`
}
