package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RecordStatus
		want     bool
	}{
		{StatusWaiting, StatusRunning, true},
		{StatusWaiting, StatusCancelled, true},
		{StatusWaiting, StatusComplete, false},
		{StatusRunning, StatusComplete, true},
		{StatusRunning, StatusError, true},
		{StatusRunning, StatusWaiting, false},
		{StatusError, StatusWaiting, true},
		{StatusError, StatusComplete, false},
		{StatusComplete, StatusDeleted, true},
		{StatusComplete, StatusRunning, false},
		{StatusComplete, StatusInvalid, false},
		{StatusCancelled, StatusInvalid, true},
		{StatusCancelled, StatusWaiting, false},
		{StatusInvalid, StatusDeleted, true},
		{StatusDeleted, StatusWaiting, false},
		{StatusDeleted, StatusDeleted, false},
	}

	for _, tt := range tests {
		got := CanTransition(tt.from, tt.to)
		assert.Equal(t, tt.want, got, "%s -> %s", tt.from, tt.to)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusComplete.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusInvalid.IsTerminal())
	assert.True(t, StatusDeleted.IsTerminal())

	assert.False(t, StatusWaiting.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusError.IsTerminal())
}

func TestParsePriority(t *testing.T) {
	p, ok := ParsePriority("high")
	assert.True(t, ok)
	assert.Equal(t, PriorityHigh, p)

	p, ok = ParsePriority("normal")
	assert.True(t, ok)
	assert.Equal(t, PriorityNormal, p)

	p, ok = ParsePriority("low")
	assert.True(t, ok)
	assert.Equal(t, PriorityLow, p)

	_, ok = ParsePriority("urgent")
	assert.False(t, ok)
}

func TestPriorityOrdering(t *testing.T) {
	assert.Greater(t, PriorityHigh, PriorityNormal)
	assert.Greater(t, PriorityNormal, PriorityLow)
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, JobComplete.IsTerminal())
	assert.True(t, JobError.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
	assert.False(t, JobWaiting.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
}
