package store

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = xerrors.New("not found")
	// ErrConflict is returned by CreateLicense when the generated key is
	// already taken. Callers retry with a new key.
	ErrConflict = xerrors.New("license key collision")
)

type License struct {
	ID         int64     `json:"id"`
	Key        string    `json:"key"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	IsActive   bool      `json:"is_active"`
	AllowedIPs *string   `json:"allowed_ips"`
	OwnerID    int64     `json:"owner_id"`
}

type Activation struct {
	ID          int64     `json:"id"`
	LicenseID   int64     `json:"license_id"`
	MachineID   string    `json:"machine_id"`
	IPAddress   *string   `json:"ip_address"`
	ActivatedAt time.Time `json:"activated_at"`
	LastCheckIn time.Time `json:"last_check_in"`
}

// NewLicense carries the caller-supplied fields of a license. The key and
// id are assigned by the store.
type NewLicense struct {
	OwnerID    int64
	ExpiresAt  time.Time
	AllowedIPs *string
	CreatedAt  time.Time
}

// Store is the durable home of licenses and activations.
//
// UpsertActivation must be atomic with respect to the (license, machine)
// uniqueness: concurrent callers for the same pair end up sharing a single
// row, one of them creating it and the rest updating it. The created result
// is true only for the caller that inserted the row.
type Store interface {
	Close() error

	// Migrate prepares the schema. It is run once at process start, before
	// any request is served.
	Migrate(ctx context.Context) error

	CreateLicense(ctx context.Context, in NewLicense) (License, error)
	ListLicenses(ctx context.Context, ownerID int64, offset, limit int) ([]License, error)
	GetLicense(ctx context.Context, id int64) (License, error)
	GetLicenseByKey(ctx context.Context, key string) (License, error)
	FindActiveLicenseByKey(ctx context.Context, key string) (License, error)
	SetLicenseActive(ctx context.Context, id int64, active bool) (License, error)

	FindActivation(ctx context.Context, licenseID int64, machineID string) (Activation, error)
	UpsertActivation(ctx context.Context, licenseID int64, machineID string, ipAddress *string, now time.Time) (act Activation, created bool, err error)
	ListActivations(ctx context.Context, licenseID int64) ([]Activation, error)
}

// KeyFunc generates license keys. Stores use license.NewKey unless told
// otherwise.
type KeyFunc func() string
