// Package manager implements the compute manager registry: activation,
// heartbeat updates with counter snapshots, deactivation with task
// recycling, and the periodic heartbeat eviction job.
package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/orbital-hq/orbital/common"
	"github.com/orbital-hq/orbital/config"
	"github.com/orbital-hq/orbital/db"
	"github.com/orbital-hq/orbital/model"
	"github.com/orbital-hq/orbital/record"
)

// Store provides the manager registry operations.
type Store struct {
	db  *db.Database
	cfg config.ManagerConfig
	log *logrus.Entry
}

// NewStore creates a manager store over the given database.
func NewStore(database *db.Database, cfg config.ManagerConfig) *Store {
	return &Store{
		db:  database,
		cfg: cfg,
		log: common.Logger.WithField("component", "manager_store"),
	}
}

// ActivateRequest registers a new manager.
type ActivateRequest struct {
	Name           model.ManagerName `json:"name"`
	Username       string            `json:"username,omitempty"`
	Tags           []string          `json:"tags"`
	Programs       map[string]string `json:"programs"`
	ManagerVersion string            `json:"manager_version,omitempty"`
}

// Activate registers a manager as active. The full name must be new; a
// manager process restarting must activate under a fresh UUID.
func (s *Store) Activate(ctx context.Context, req ActivateRequest) (*model.ComputeManager, error) {
	if err := req.Name.Validate(); err != nil {
		return nil, err
	}

	tags := model.NormalizeTags(req.Tags)
	if len(tags) == 0 {
		return nil, model.Validation("manager must advertise at least one tag")
	}
	programs := model.NormalizePrograms(req.Programs)
	if len(programs) == 0 {
		return nil, model.Validation("manager must advertise at least one program")
	}

	fullName := req.Name.FullName()

	m := &model.ComputeManager{
		Name:           fullName,
		Cluster:        req.Name.Cluster,
		Hostname:       req.Name.Hostname,
		Username:       req.Username,
		Tags:           tags,
		Programs:       programs,
		Status:         model.ManagerActive,
		ManagerVersion: req.ManagerVersion,
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO compute_manager (name, cluster, hostname, username, tags, programs, status, manager_version)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7)
		RETURNING id, created_on, modified_on`,
		fullName, req.Name.Cluster, req.Name.Hostname, req.Username, tags, programs,
		req.ManagerVersion).Scan(&m.ID, &m.CreatedOn, &m.ModifiedOn)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, model.StateConflict("manager %s already exists", fullName)
		}
		return nil, fmt.Errorf("failed to activate manager: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"manager": fullName,
		"tags":    tags,
	}).Info("manager activated")
	return m, nil
}

// UpdateRequest is a heartbeat carrying cumulative counters and activity
// gauges.
type UpdateRequest struct {
	TotalWorkerWalltime float64 `json:"total_worker_walltime"`
	TotalTaskWalltime   float64 `json:"total_task_walltime"`
	ActiveTasks         int     `json:"active_tasks"`
	ActiveCores         int     `json:"active_cores"`
	ActiveMemory        float64 `json:"active_memory"`
}

// Update records a manager heartbeat: the registry row and an appended log
// snapshot commit together, and the heartbeat timestamp refreshes. Updates
// against an inactive or unknown manager are refused so an evicted manager
// learns of its eviction.
func (s *Store) Update(ctx context.Context, name string, req UpdateRequest) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var managerID int64
		err := tx.QueryRow(ctx, `
			UPDATE compute_manager
			SET total_worker_walltime = $1, total_task_walltime = $2,
			    active_tasks = $3, active_cores = $4, active_memory = $5,
			    modified_on = now()
			WHERE name = $6 AND status = 'active'
			RETURNING id`,
			req.TotalWorkerWalltime, req.TotalTaskWalltime,
			req.ActiveTasks, req.ActiveCores, req.ActiveMemory, name).Scan(&managerID)
		if err == pgx.ErrNoRows {
			var status string
			err := tx.QueryRow(ctx,
				`SELECT status FROM compute_manager WHERE name = $1`, name).Scan(&status)
			if err == pgx.ErrNoRows {
				return model.NotFound("manager %s", name)
			}
			if err != nil {
				return fmt.Errorf("failed to check manager %s: %w", name, err)
			}
			return model.StateConflict("manager %s is %s", name, status)
		}
		if err != nil {
			return fmt.Errorf("failed to update manager %s: %w", name, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO manager_log
				(manager_id, claimed, successes, failures, rejected,
				 active_tasks, active_cores, active_memory,
				 total_worker_walltime, total_task_walltime)
			SELECT id, claimed, successes, failures, rejected,
			       active_tasks, active_cores, active_memory,
			       total_worker_walltime, total_task_walltime
			FROM compute_manager WHERE id = $1`,
			managerID)
		if err != nil {
			return fmt.Errorf("failed to append manager log: %w", err)
		}
		return nil
	})
}

// Deactivate marks the named managers inactive and recycles their running
// records back to waiting, all in one transaction. Missing or already
// inactive names are ignored, so a repeated call affects nothing. Returns
// the names actually deactivated.
func (s *Store) Deactivate(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	deactivated := make([]string, 0, len(names))
	var recycled []int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE compute_manager SET status = 'inactive', modified_on = now()
			WHERE name = ANY($1) AND status = 'active'
			RETURNING name`,
			names)
		if err != nil {
			return fmt.Errorf("failed to deactivate managers: %w", err)
		}

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan deactivated manager: %w", err)
			}
			deactivated = append(deactivated, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to deactivate managers: %w", err)
		}

		recycled, err = record.ResetAssignedTx(ctx, tx, deactivated)
		if err != nil {
			return err
		}

		for _, name := range deactivated {
			s.log.WithFields(logrus.Fields{
				"manager": name,
			}).Info("manager deactivated")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(recycled) > 0 {
		s.log.WithField("n_recycled", len(recycled)).Info("recycled records from deactivated managers")
	}
	return deactivated, nil
}

// Get fetches one manager by full name.
func (s *Store) Get(ctx context.Context, name string) (*model.ComputeManager, error) {
	m := &model.ComputeManager{}
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT id, name, cluster, hostname, username, tags, programs, status,
		       manager_version, claimed, successes, failures, rejected,
		       active_tasks, active_cores, active_memory,
		       total_worker_walltime, total_task_walltime, created_on, modified_on
		FROM compute_manager WHERE name = $1`,
		name).Scan(
		&m.ID, &m.Name, &m.Cluster, &m.Hostname, &m.Username, &m.Tags, &m.Programs,
		&status, &m.ManagerVersion, &m.Claimed, &m.Successes, &m.Failures, &m.Rejected,
		&m.ActiveTasks, &m.ActiveCores, &m.ActiveMemory,
		&m.TotalWorkerWalltime, &m.TotalTaskWalltime, &m.CreatedOn, &m.ModifiedOn)
	if err == pgx.ErrNoRows {
		return nil, model.NotFound("manager %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manager %s: %w", name, err)
	}
	m.Status = model.ManagerStatus(status)
	return m, nil
}

// QueryFilter selects managers. Zero-valued fields do not constrain.
type QueryFilter struct {
	Name    []string
	Cluster []string
	Status  []string

	Cursor int64
	Limit  int
}

// Query returns one page of managers ordered by descending id, newest
// first.
func (s *Store) Query(ctx context.Context, filter QueryFilter, maxLimit int) ([]*model.ComputeManager, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}

	sql := `
		SELECT id, name, cluster, hostname, username, tags, programs, status,
		       manager_version, claimed, successes, failures, rejected,
		       active_tasks, active_cores, active_memory,
		       total_worker_walltime, total_task_walltime, created_on, modified_on
		FROM compute_manager
		WHERE ($1 = 0 OR id < $1)`
	args := []interface{}{filter.Cursor}

	if len(filter.Name) > 0 {
		args = append(args, filter.Name)
		sql += fmt.Sprintf(" AND name = ANY($%d)", len(args))
	}
	if len(filter.Cluster) > 0 {
		args = append(args, filter.Cluster)
		sql += fmt.Sprintf(" AND cluster = ANY($%d)", len(args))
	}
	if len(filter.Status) > 0 {
		args = append(args, filter.Status)
		sql += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("manager query failed: %w", err)
	}
	defer rows.Close()

	out := make([]*model.ComputeManager, 0, limit)
	for rows.Next() {
		m := &model.ComputeManager{}
		var status string
		err := rows.Scan(
			&m.ID, &m.Name, &m.Cluster, &m.Hostname, &m.Username, &m.Tags, &m.Programs,
			&status, &m.ManagerVersion, &m.Claimed, &m.Successes, &m.Failures, &m.Rejected,
			&m.ActiveTasks, &m.ActiveCores, &m.ActiveMemory,
			&m.TotalWorkerWalltime, &m.TotalTaskWalltime, &m.CreatedOn, &m.ModifiedOn)
		if err != nil {
			return nil, fmt.Errorf("failed to scan manager: %w", err)
		}
		m.Status = model.ManagerStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}
