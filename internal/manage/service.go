// Package manage is the owner-facing side of the license store: issuing,
// listing and toggling licenses. Every call is scoped to one owner.
package manage

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"licensekeeper/internal/license"
	"licensekeeper/internal/metrics"
	"licensekeeper/internal/store"
)

const (
	DefaultListLimit = 100
	DefaultMaxLimit  = 1000

	createAttempts = 3
)

type Service struct {
	store    store.Store
	clock    quartz.Clock
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	maxLimit int
}

type Option func(*Service)

// WithMaxLimit caps the page size accepted by ListLicenses.
func WithMaxLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxLimit = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(st store.Store, clock quartz.Clock, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		clock:    clock,
		logger:   logger.With().Str("component", "manage").Logger(),
		maxLimit: DefaultMaxLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateLicense issues a license for ownerID. allowedIPs is stored as given
// and only parsed at verification time. A generated key that is already
// taken is replaced with a fresh one a bounded number of times.
func (s *Service) CreateLicense(ctx context.Context, ownerID int64, expiresAt time.Time, allowedIPs *string) (store.License, error) {
	if expiresAt.IsZero() {
		return store.License{}, &license.ValidationError{Field: "expires_at", Message: "field required"}
	}
	in := store.NewLicense{
		OwnerID:    ownerID,
		ExpiresAt:  expiresAt.UTC(),
		AllowedIPs: allowedIPs,
		CreatedAt:  s.clock.Now().UTC(),
	}

	var err error
	for attempt := 1; attempt <= createAttempts; attempt++ {
		var lic store.License
		lic, err = s.store.CreateLicense(ctx, in)
		if err == nil {
			if s.metrics != nil {
				s.metrics.LicensesCreated.Inc()
			}
			s.logger.Info().Int64("owner_id", ownerID).Int64("license_id", lic.ID).Time("expires_at", lic.ExpiresAt).Msg("license created")
			return lic, nil
		}
		if !xerrors.Is(err, store.ErrConflict) {
			return store.License{}, xerrors.Errorf("create license: %w", err)
		}
		if s.metrics != nil {
			s.metrics.KeyCollisions.Inc()
		}
		s.logger.Warn().Int("attempt", attempt).Msg("license key collision, regenerating")
	}
	return store.License{}, xerrors.Errorf("create license after %d attempts: %w", createAttempts, err)
}

// ListLicenses returns one page of the owner's licenses in creation order.
// A zero limit selects DefaultListLimit.
func (s *Service) ListLicenses(ctx context.Context, ownerID int64, skip, limit int) ([]store.License, error) {
	if skip < 0 {
		return nil, &license.ValidationError{Field: "skip", Message: "must be greater than or equal to 0"}
	}
	if limit < 0 {
		return nil, &license.ValidationError{Field: "limit", Message: "must be greater than or equal to 0"}
	}
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}
	list, err := s.store.ListLicenses(ctx, ownerID, skip, limit)
	if err != nil {
		return nil, xerrors.Errorf("list licenses: %w", err)
	}
	return list, nil
}

// GetLicense returns the owner's license. Licenses of other owners are
// reported as store.ErrNotFound.
func (s *Service) GetLicense(ctx context.Context, ownerID, id int64) (store.License, error) {
	lic, err := s.store.GetLicense(ctx, id)
	if err != nil {
		return store.License{}, err
	}
	if lic.OwnerID != ownerID {
		return store.License{}, store.ErrNotFound
	}
	return lic, nil
}

func (s *Service) GetLicenseByKey(ctx context.Context, ownerID int64, key string) (store.License, error) {
	lic, err := s.store.GetLicenseByKey(ctx, key)
	if err != nil {
		return store.License{}, err
	}
	if lic.OwnerID != ownerID {
		return store.License{}, store.ErrNotFound
	}
	return lic, nil
}

// SetActive flips is_active. Deactivated licenses fail verification until
// they are switched back on.
func (s *Service) SetActive(ctx context.Context, ownerID, id int64, active bool) (store.License, error) {
	if _, err := s.GetLicense(ctx, ownerID, id); err != nil {
		return store.License{}, err
	}
	lic, err := s.store.SetLicenseActive(ctx, id, active)
	if err != nil {
		return store.License{}, err
	}
	s.logger.Info().Int64("owner_id", ownerID).Int64("license_id", id).Bool("active", active).Msg("license state changed")
	return lic, nil
}

func (s *Service) ListActivations(ctx context.Context, ownerID, id int64) ([]store.Activation, error) {
	if _, err := s.GetLicense(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.store.ListActivations(ctx, id)
}
