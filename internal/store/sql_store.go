package store

import (
	"context"
	"database/sql"
	"embed"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"golang.org/x/xerrors"
	_ "modernc.org/sqlite" // sqlite driver

	"licensekeeper/internal/license"
)

//go:embed migrations
var migrations embed.FS

// Dialect names the SQL flavour behind a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore keeps licenses and activations in SQLite or PostgreSQL.
// Timestamps are stored as unix microseconds so both dialects compare them
// the same way. Sub-microsecond precision is dropped on write.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
	dsn     string
	newKey  KeyFunc
}

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(path string, newKey KeyFunc) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Errorf("create data dir: %w", err)
	}
	// Pragmas live in the DSN so every pool connection is configured.
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY
	// churn between pool members.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return newSQLStore(db, DialectSQLite, dsn, newKey), nil
}

// OpenPostgres connects to the PostgreSQL database described by dsn.
func OpenPostgres(ctx context.Context, dsn string, newKey KeyFunc) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, xerrors.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping postgres: %w", err)
	}
	return newSQLStore(db, DialectPostgres, dsn, newKey), nil
}

func newSQLStore(db *sqlx.DB, dialect Dialect, dsn string, newKey KeyFunc) *SQLStore {
	if newKey == nil {
		newKey = license.NewKey
	}
	return &SQLStore{db: db, dialect: dialect, dsn: dsn, newKey: newKey}
}

func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate applies the embedded migrations for the store's dialect. It uses
// a dedicated connection because closing a migrate instance closes the
// database handle it was given.
func (s *SQLStore) Migrate(ctx context.Context) error {
	conn, err := sql.Open(string(s.dialect), s.dsn)
	if err != nil {
		return xerrors.Errorf("open migration connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return xerrors.Errorf("ping migration connection: %w", err)
	}

	var driver database.Driver
	switch s.dialect {
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	case DialectPostgres:
		driver, err = migratepg.WithInstance(conn, &migratepg.Config{})
	default:
		err = xerrors.Errorf("unknown dialect %q", s.dialect)
	}
	if err != nil {
		_ = conn.Close()
		return xerrors.Errorf("migration driver: %w", err)
	}

	src, err := iofs.New(migrations, "migrations/"+string(s.dialect))
	if err != nil {
		_ = driver.Close()
		return xerrors.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(s.dialect), driver)
	if err != nil {
		_ = driver.Close()
		return xerrors.Errorf("new migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !xerrors.Is(err, migrate.ErrNoChange) {
		return xerrors.Errorf("apply migrations: %w", err)
	}
	return nil
}

type licenseRow struct {
	ID         int64          `db:"id"`
	Key        string         `db:"license_key"`
	CreatedAt  int64          `db:"created_at"`
	ExpiresAt  int64          `db:"expires_at"`
	IsActive   bool           `db:"is_active"`
	AllowedIPs sql.NullString `db:"allowed_ips"`
	OwnerID    int64          `db:"owner_id"`
}

func (r licenseRow) license() License {
	return License{
		ID:         r.ID,
		Key:        r.Key,
		CreatedAt:  fromMicros(r.CreatedAt),
		ExpiresAt:  fromMicros(r.ExpiresAt),
		IsActive:   r.IsActive,
		AllowedIPs: fromNullString(r.AllowedIPs),
		OwnerID:    r.OwnerID,
	}
}

type activationRow struct {
	ID          int64          `db:"id"`
	LicenseID   int64          `db:"license_id"`
	MachineID   string         `db:"machine_id"`
	IPAddress   sql.NullString `db:"ip_address"`
	ActivatedAt int64          `db:"activated_at"`
	LastCheckIn int64          `db:"last_check_in"`
}

func (r activationRow) activation() Activation {
	return Activation{
		ID:          r.ID,
		LicenseID:   r.LicenseID,
		MachineID:   r.MachineID,
		IPAddress:   fromNullString(r.IPAddress),
		ActivatedAt: fromMicros(r.ActivatedAt),
		LastCheckIn: fromMicros(r.LastCheckIn),
	}
}

const licenseColumns = `id, license_key, created_at, expires_at, is_active, allowed_ips, owner_id`

const activationColumns = `id, license_id, machine_id, ip_address, activated_at, last_check_in`

func (s *SQLStore) CreateLicense(ctx context.Context, in NewLicense) (License, error) {
	lic := License{
		Key:        s.newKey(),
		CreatedAt:  toMicros(in.CreatedAt),
		ExpiresAt:  toMicros(in.ExpiresAt),
		IsActive:   true,
		AllowedIPs: in.AllowedIPs,
		OwnerID:    in.OwnerID,
	}
	q := s.db.Rebind(`
INSERT INTO licenses (license_key, created_at, expires_at, is_active, allowed_ips, owner_id)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (license_key) DO NOTHING
RETURNING id`)
	err := s.db.GetContext(ctx, &lic.ID, q,
		lic.Key, lic.CreatedAt.UnixMicro(), lic.ExpiresAt.UnixMicro(), true, toNullString(lic.AllowedIPs), lic.OwnerID)
	if xerrors.Is(err, sql.ErrNoRows) {
		return License{}, xerrors.Errorf("create license: %w", ErrConflict)
	}
	if err != nil {
		return License{}, xerrors.Errorf("create license: %w", err)
	}
	return lic, nil
}

func (s *SQLStore) ListLicenses(ctx context.Context, ownerID int64, offset, limit int) ([]License, error) {
	if limit <= 0 {
		return []License{}, nil
	}
	var rows []licenseRow
	q := s.db.Rebind(`SELECT ` + licenseColumns + ` FROM licenses WHERE owner_id = ? ORDER BY id LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &rows, q, ownerID, limit, offset); err != nil {
		return nil, xerrors.Errorf("list licenses: %w", err)
	}
	out := make([]License, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.license())
	}
	return out, nil
}

func (s *SQLStore) GetLicense(ctx context.Context, id int64) (License, error) {
	return s.getLicense(ctx, `id = ?`, id)
}

func (s *SQLStore) GetLicenseByKey(ctx context.Context, key string) (License, error) {
	return s.getLicense(ctx, `license_key = ?`, key)
}

func (s *SQLStore) FindActiveLicenseByKey(ctx context.Context, key string) (License, error) {
	return s.getLicense(ctx, `license_key = ? AND is_active = ?`, key, true)
}

func (s *SQLStore) getLicense(ctx context.Context, where string, args ...any) (License, error) {
	var row licenseRow
	q := s.db.Rebind(`SELECT ` + licenseColumns + ` FROM licenses WHERE ` + where)
	err := s.db.GetContext(ctx, &row, q, args...)
	if xerrors.Is(err, sql.ErrNoRows) {
		return License{}, ErrNotFound
	}
	if err != nil {
		return License{}, xerrors.Errorf("get license: %w", err)
	}
	return row.license(), nil
}

func (s *SQLStore) SetLicenseActive(ctx context.Context, id int64, active bool) (License, error) {
	var row licenseRow
	q := s.db.Rebind(`UPDATE licenses SET is_active = ? WHERE id = ? RETURNING ` + licenseColumns)
	err := s.db.GetContext(ctx, &row, q, active, id)
	if xerrors.Is(err, sql.ErrNoRows) {
		return License{}, ErrNotFound
	}
	if err != nil {
		return License{}, xerrors.Errorf("set license active: %w", err)
	}
	return row.license(), nil
}

func (s *SQLStore) FindActivation(ctx context.Context, licenseID int64, machineID string) (Activation, error) {
	var row activationRow
	q := s.db.Rebind(`SELECT ` + activationColumns + ` FROM activations WHERE license_id = ? AND machine_id = ?`)
	err := s.db.GetContext(ctx, &row, q, licenseID, machineID)
	if xerrors.Is(err, sql.ErrNoRows) {
		return Activation{}, ErrNotFound
	}
	if err != nil {
		return Activation{}, xerrors.Errorf("find activation: %w", err)
	}
	return row.activation(), nil
}

// UpsertActivation inserts with ON CONFLICT DO NOTHING and falls back to an
// update when the insert returned no row. The UNIQUE (license_id,
// machine_id) constraint picks the single creator; a losing insert waits for
// the winner to commit, so the update always finds the row.
func (s *SQLStore) UpsertActivation(ctx context.Context, licenseID int64, machineID string, ipAddress *string, now time.Time) (Activation, bool, error) {
	micros := now.UTC().UnixMicro()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Activation{}, false, xerrors.Errorf("upsert activation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row activationRow
	created := true
	insert := tx.Rebind(`
INSERT INTO activations (license_id, machine_id, ip_address, activated_at, last_check_in)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (license_id, machine_id) DO NOTHING
RETURNING ` + activationColumns)
	err = tx.GetContext(ctx, &row, insert, licenseID, machineID, toNullString(ipAddress), micros, micros)
	if xerrors.Is(err, sql.ErrNoRows) {
		created = false
		update := tx.Rebind(`
UPDATE activations SET
	last_check_in = ?,
	ip_address = COALESCE(?, ip_address)
WHERE license_id = ? AND machine_id = ?
RETURNING ` + activationColumns)
		err = tx.GetContext(ctx, &row, update, micros, toNullString(ipAddress), licenseID, machineID)
	}
	if err != nil {
		return Activation{}, false, xerrors.Errorf("upsert activation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Activation{}, false, xerrors.Errorf("upsert activation: %w", err)
	}
	return row.activation(), created, nil
}

func (s *SQLStore) ListActivations(ctx context.Context, licenseID int64) ([]Activation, error) {
	var rows []activationRow
	q := s.db.Rebind(`SELECT ` + activationColumns + ` FROM activations WHERE license_id = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &rows, q, licenseID); err != nil {
		return nil, xerrors.Errorf("list activations: %w", err)
	}
	out := make([]Activation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.activation())
	}
	return out, nil
}

func toMicros(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

func fromMicros(n int64) time.Time { return time.UnixMicro(n).UTC() }

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

// redactDSN hides credentials in a connection string for logging.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		if i := strings.Index(dsn, "password="); i >= 0 {
			return dsn[:i] + "password=xxxxx"
		}
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}
