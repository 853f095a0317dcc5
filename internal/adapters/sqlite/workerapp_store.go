package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chatico/mapper/internal/db"
	"github.com/chatico/mapper/internal/routing"
)

// WorkerAppStore is the sqlite registry of worker app registrations. It
// backs both the admin CRUD surface and the pipeline's routing table.
type WorkerAppStore struct {
	db db.DBTX
}

// NewWorkerAppStore creates a sqlite-backed worker app registry.
func NewWorkerAppStore(querier db.DBTX) *WorkerAppStore {
	return &WorkerAppStore{db: querier}
}

const createWorkerAppQuery = `-- name: CreateWorkerApp :one
INSERT INTO worker_apps (owner_id, app_name, mode, target, active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id`

// Create registers a worker app. Registering it active while the owner
// already has an active destination fails with routing.ErrActiveConflict.
func (s *WorkerAppStore) Create(ctx context.Context, params routing.CreateAppParams) (routing.WorkerApp, error) {
	if params.Mode == "" {
		params.Mode = routing.ModeHTTP
	}
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, createWorkerAppQuery,
		params.OwnerID, params.AppName, string(params.Mode), params.Target,
		boolToInt(params.Active), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	).Scan(&id)
	if err != nil {
		return routing.WorkerApp{}, classifyWorkerAppErr(err, params.AppName, params.OwnerID)
	}
	return routing.WorkerApp{
		ID:        id,
		OwnerID:   params.OwnerID,
		AppName:   params.AppName,
		Mode:      params.Mode,
		Target:    params.Target,
		Active:    params.Active,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

const getWorkerAppQuery = `-- name: GetWorkerApp :one
SELECT id, owner_id, app_name, mode, target, active, created_at, updated_at
FROM worker_apps
WHERE id = ?`

// Get returns one registration by id.
func (s *WorkerAppStore) Get(ctx context.Context, id int64) (routing.WorkerApp, error) {
	row := s.db.QueryRowContext(ctx, getWorkerAppQuery, id)
	app, err := scanWorkerApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return routing.WorkerApp{}, fmt.Errorf("%w: id %d", routing.ErrUnknownApp, id)
	}
	return app, err
}

const listWorkerAppsQuery = `-- name: ListWorkerApps :many
SELECT id, owner_id, app_name, mode, target, active, created_at, updated_at
FROM worker_apps
ORDER BY owner_id, app_name`

// List returns every registration, active or not.
func (s *WorkerAppStore) List(ctx context.Context) ([]routing.WorkerApp, error) {
	rows, err := s.db.QueryContext(ctx, listWorkerAppsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker apps: %w", err)
	}
	defer rows.Close()

	var out []routing.WorkerApp
	for rows.Next() {
		app, err := scanWorkerApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

const updateWorkerAppQuery = `-- name: UpdateWorkerApp :exec
UPDATE worker_apps
SET mode = ?, target = ?, updated_at = ?
WHERE id = ?`

// Update rewrites a registration's delivery mode and target.
func (s *WorkerAppStore) Update(ctx context.Context, id int64, params routing.UpdateAppParams) (routing.WorkerApp, error) {
	if params.Mode == "" {
		params.Mode = routing.ModeHTTP
	}
	result, err := s.db.ExecContext(ctx, updateWorkerAppQuery,
		string(params.Mode), params.Target, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return routing.WorkerApp{}, fmt.Errorf("failed to update worker app: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return routing.WorkerApp{}, fmt.Errorf("%w: id %d", routing.ErrUnknownApp, id)
	}
	return s.Get(ctx, id)
}

const setWorkerAppActiveQuery = `-- name: SetWorkerAppActive :exec
UPDATE worker_apps
SET active = ?, updated_at = ?
WHERE id = ?`

const deactivateOwnerAppsQuery = `-- name: DeactivateOwnerApps :exec
UPDATE worker_apps
SET active = 0, updated_at = ?
WHERE owner_id = (SELECT owner_id FROM worker_apps WHERE id = ?) AND id != ?`

// SetActive toggles a registration. Activation first deactivates the
// owner's other apps so the one-active-per-owner index always holds.
func (s *WorkerAppStore) SetActive(ctx context.Context, id int64, active bool) (routing.WorkerApp, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if active {
		if _, err := s.db.ExecContext(ctx, deactivateOwnerAppsQuery, now, id, id); err != nil {
			return routing.WorkerApp{}, fmt.Errorf("failed to deactivate sibling apps: %w", err)
		}
	}
	result, err := s.db.ExecContext(ctx, setWorkerAppActiveQuery, boolToInt(active), now, id)
	if err != nil {
		return routing.WorkerApp{}, classifyWorkerAppErr(err, "", "")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return routing.WorkerApp{}, fmt.Errorf("%w: id %d", routing.ErrUnknownApp, id)
	}
	return s.Get(ctx, id)
}

const deleteWorkerAppQuery = `-- name: DeleteWorkerApp :exec
DELETE FROM worker_apps WHERE id = ?`

// Delete removes a registration.
func (s *WorkerAppStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, deleteWorkerAppQuery, id)
	if err != nil {
		return fmt.Errorf("failed to delete worker app: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: id %d", routing.ErrUnknownApp, id)
	}
	return nil
}

const activeByOwnerQuery = `-- name: ActiveByOwner :one
SELECT id, owner_id, app_name, mode, target, active, created_at, updated_at
FROM worker_apps
WHERE owner_id = ? AND active = 1`

// ActiveByOwner returns the owner's active destination, if any.
func (s *WorkerAppStore) ActiveByOwner(ctx context.Context, ownerID string) (routing.Destination, bool, error) {
	row := s.db.QueryRowContext(ctx, activeByOwnerQuery, ownerID)
	app, err := scanWorkerApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return routing.Destination{}, false, nil
	}
	if err != nil {
		return routing.Destination{}, false, err
	}
	return app.Destination(), true, nil
}

const listActiveQuery = `-- name: ListActiveApps :many
SELECT id, owner_id, app_name, mode, target, active, created_at, updated_at
FROM worker_apps
WHERE active = 1`

// ListActive returns every owner's active destination.
func (s *WorkerAppStore) ListActive(ctx context.Context) ([]routing.Destination, error) {
	rows, err := s.db.QueryContext(ctx, listActiveQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list active apps: %w", err)
	}
	defer rows.Close()

	var out []routing.Destination
	for rows.Next() {
		app, err := scanWorkerApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app.Destination())
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkerApp(row rowScanner) (routing.WorkerApp, error) {
	var app routing.WorkerApp
	var mode string
	var active int64
	var createdAt, updatedAt string
	if err := row.Scan(&app.ID, &app.OwnerID, &app.AppName, &mode, &app.Target,
		&active, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return routing.WorkerApp{}, err
		}
		return routing.WorkerApp{}, fmt.Errorf("failed to scan worker app: %w", err)
	}
	app.Mode = routing.Mode(mode)
	app.Active = active != 0
	app.CreatedAt = parseStoredTime(createdAt)
	app.UpdatedAt = parseStoredTime(updatedAt)
	return app, nil
}

func classifyWorkerAppErr(err error, appName, ownerID string) error {
	if !isUniqueViolation(err) {
		return fmt.Errorf("failed to save worker app: %w", err)
	}
	// The schema carries two unique constraints; the message tells them apart.
	if appName != "" && containsConstraint(err, "app_name") {
		return fmt.Errorf("%w: %q", routing.ErrDuplicateApp, appName)
	}
	return fmt.Errorf("%w: owner %q", routing.ErrActiveConflict, ownerID)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

var (
	_ routing.Registry = (*WorkerAppStore)(nil)
	_ routing.Admin    = (*WorkerAppStore)(nil)
)
