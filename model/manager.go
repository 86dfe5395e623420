package model

import (
	"fmt"
	"strings"
	"time"
)

// ManagerName is the three-part identity of a compute manager. The UUID is
// client-supplied at activation; baking it into the full name guarantees
// uniqueness across manager restarts on the same host.
type ManagerName struct {
	Cluster  string `json:"cluster"`
	Hostname string `json:"hostname"`
	UUID     string `json:"uuid"`
}

// FullName renders the canonical "{cluster}-{hostname}-{uuid}" form.
func (n ManagerName) FullName() string {
	return fmt.Sprintf("%s-%s-%s", n.Cluster, n.Hostname, n.UUID)
}

// Validate checks that all name components are present.
func (n ManagerName) Validate() error {
	if strings.TrimSpace(n.Cluster) == "" || strings.TrimSpace(n.Hostname) == "" || strings.TrimSpace(n.UUID) == "" {
		return Validation("manager name requires cluster, hostname and uuid")
	}
	return nil
}

// ComputeManager is the registry row of a long-lived external worker
// process. ModifiedOn doubles as the last-heartbeat timestamp.
type ComputeManager struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	Cluster        string            `json:"cluster"`
	Hostname       string            `json:"hostname"`
	Username       string            `json:"username,omitempty"`
	Tags           []string          `json:"tags"`
	Programs       map[string]string `json:"programs"`
	Status         ManagerStatus     `json:"status"`
	ManagerVersion string            `json:"manager_version,omitempty"`

	// Cumulative counters, monotone non-decreasing within a lifetime.
	Claimed   int64 `json:"claimed"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`

	// Activity gauges from the latest heartbeat.
	ActiveTasks         int     `json:"active_tasks"`
	ActiveCores         int     `json:"active_cores"`
	ActiveMemory        float64 `json:"active_memory"`
	TotalWorkerWalltime float64 `json:"total_worker_walltime"`
	TotalTaskWalltime   float64 `json:"total_task_walltime"`

	CreatedOn  time.Time `json:"created_on"`
	ModifiedOn time.Time `json:"modified_on"`
}

// ManagerLog is one append-only snapshot of a manager's counters and
// gauges, written atomically with each update.
type ManagerLog struct {
	ID        int64     `json:"id"`
	ManagerID int64     `json:"manager_id"`
	Timestamp time.Time `json:"timestamp"`

	Claimed   int64 `json:"claimed"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`

	ActiveTasks         int     `json:"active_tasks"`
	ActiveCores         int     `json:"active_cores"`
	ActiveMemory        float64 `json:"active_memory"`
	TotalWorkerWalltime float64 `json:"total_worker_walltime"`
	TotalTaskWalltime   float64 `json:"total_task_walltime"`
}

// NormalizeTags lowercases, trims and deduplicates a tag list, preserving
// the caller's order. The wildcard "*" is permitted.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// NormalizePrograms lowercases program names and versions.
func NormalizePrograms(programs map[string]string) map[string]string {
	out := make(map[string]string, len(programs))
	for name, ver := range programs {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		out[name] = strings.ToLower(strings.TrimSpace(ver))
	}
	return out
}

// TagMatches applies the wildcard rules: a manager tag of "*" matches any
// task tag. A task tagged "*" is routable anywhere, so it matches only
// managers that declared the wildcard; otherwise tags compare as
// lowercased strings.
func TagMatches(managerTag, taskTag string) bool {
	return managerTag == "*" || managerTag == taskTag
}

// ProgramsSatisfy reports whether a manager advertising the given programs
// can run a task requiring requiredPrograms. A task with no required
// programs is claimable by any manager.
func ProgramsSatisfy(programs map[string]string, requiredPrograms []string) bool {
	for _, p := range requiredPrograms {
		if _, ok := programs[p]; !ok {
			return false
		}
	}
	return true
}
