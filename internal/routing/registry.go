package routing

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownApp indicates the worker app id does not exist.
	ErrUnknownApp = errors.New("unknown worker app")
	// ErrDuplicateApp indicates the worker app name is already registered.
	ErrDuplicateApp = errors.New("worker app name already registered")
	// ErrActiveConflict indicates the owner already has an active destination.
	ErrActiveConflict = errors.New("owner already has an active destination")
)

// WorkerApp is the admin-facing registration record behind a Destination.
type WorkerApp struct {
	ID        int64
	OwnerID   string
	AppName   string
	Mode      Mode
	Target    string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateAppParams are the fields settable at registration time.
type CreateAppParams struct {
	OwnerID string
	AppName string
	Mode    Mode
	Target  string
	Active  bool
}

// UpdateAppParams are the mutable registration fields.
type UpdateAppParams struct {
	Mode   Mode
	Target string
}

// Admin is the registry's CRUD surface used by the management API.
type Admin interface {
	Create(ctx context.Context, params CreateAppParams) (WorkerApp, error)
	Get(ctx context.Context, id int64) (WorkerApp, error)
	List(ctx context.Context) ([]WorkerApp, error)
	Update(ctx context.Context, id int64, params UpdateAppParams) (WorkerApp, error)
	SetActive(ctx context.Context, id int64, active bool) (WorkerApp, error)
	Delete(ctx context.Context, id int64) error
}

// Destination projects the registration into the pipeline's routing view.
func (w WorkerApp) Destination() Destination {
	return Destination{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		AppName:   w.AppName,
		Mode:      w.Mode,
		Target:    w.Target,
		Active:    w.Active,
		UpdatedAt: w.UpdatedAt,
	}
}
