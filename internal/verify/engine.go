// Package verify decides whether a license may run on a machine and records
// the machine's activation.
//
// A verification walks four steps in order and stops at the first failure:
// active-key lookup, expiry, IP allowlist, activation upsert. Only the last
// step writes, so a rejected request leaves the store untouched.
package verify

import (
	"context"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"licensekeeper/internal/license"
	"licensekeeper/internal/metrics"
	"licensekeeper/internal/store"
)

// MessageValid is returned alongside every successful verdict.
const MessageValid = "License is valid"

// Store is the part of store.Store the engine needs.
type Store interface {
	FindActiveLicenseByKey(ctx context.Context, key string) (store.License, error)
	UpsertActivation(ctx context.Context, licenseID int64, machineID string, ipAddress *string, now time.Time) (store.Activation, bool, error)
}

type Request struct {
	LicenseKey string
	MachineID  string
	// IPAddress is optional. nil and "" both mean the caller offered no
	// address, which skips the allowlist check.
	IPAddress *string
}

// Validate rejects requests the engine must not act on.
func (r Request) Validate() error {
	if strings.TrimSpace(r.LicenseKey) == "" {
		return &license.ValidationError{Field: "license_key", Message: "field required"}
	}
	if strings.TrimSpace(r.MachineID) == "" {
		return &license.ValidationError{Field: "machine_id", Message: "field required"}
	}
	return nil
}

type Result struct {
	Valid      bool
	ExpiresAt  time.Time
	Message    string
	Activation store.Activation
	// FirstActivation is set when this call created the activation.
	FirstActivation bool
}

type Engine struct {
	store   Store
	clock   quartz.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(st Store, clock quartz.Clock, logger zerolog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   st,
		clock:   clock,
		logger:  logger.With().Str("component", "verify").Logger(),
		metrics: m,
	}
}

// Verify runs the verification state machine. Rejections come back as
// license.ErrNotFoundOrInactive, license.ErrExpired, license.ErrIPNotAllowed
// or *license.ValidationError; any other error is a store fault.
func (e *Engine) Verify(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := e.verify(ctx, req)
	e.observe(req, time.Since(start), res, err)
	return res, err
}

func (e *Engine) verify(ctx context.Context, req Request) (Result, error) {
	if req.IPAddress != nil && *req.IPAddress == "" {
		req.IPAddress = nil
	}
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	lic, err := e.store.FindActiveLicenseByKey(ctx, req.LicenseKey)
	if xerrors.Is(err, store.ErrNotFound) {
		return Result{}, license.ErrNotFoundOrInactive
	}
	if err != nil {
		return Result{}, xerrors.Errorf("lookup license: %w", err)
	}

	// Valid up to, not including, the expiry instant.
	now := e.clock.Now().UTC()
	if !now.Before(lic.ExpiresAt) {
		return Result{}, license.ErrExpired
	}

	if req.IPAddress != nil {
		allow := license.ParseAllowlist(lic.AllowedIPs)
		if allow.Restricted() && !allow.Permits(*req.IPAddress) {
			return Result{}, license.ErrIPNotAllowed
		}
	}

	act, created, err := e.store.UpsertActivation(ctx, lic.ID, req.MachineID, req.IPAddress, now)
	if err != nil {
		return Result{}, xerrors.Errorf("record activation: %w", err)
	}

	return Result{
		Valid:           true,
		ExpiresAt:       lic.ExpiresAt,
		Message:         MessageValid,
		Activation:      act,
		FirstActivation: created,
	}, nil
}

func (e *Engine) observe(req Request, took time.Duration, res Result, err error) {
	outcome := outcomeOf(err)
	if e.metrics != nil {
		e.metrics.Verifications.WithLabelValues(outcome).Inc()
		e.metrics.VerifyDuration.Observe(took.Seconds())
		if res.FirstActivation {
			e.metrics.ActivationsCreated.Inc()
		}
	}

	switch {
	case err == nil:
		e.logger.Debug().
			Str("machine_id", req.MachineID).
			Int64("license_id", res.Activation.LicenseID).
			Bool("first_activation", res.FirstActivation).
			Msg("license verified")
	case license.IsRejection(err), outcome == metrics.OutcomeInvalid:
		e.logger.Info().Str("outcome", outcome).Str("machine_id", req.MachineID).Msg("license verification rejected")
	default:
		e.logger.Error().Err(err).Str("machine_id", req.MachineID).Msg("license verification failed")
	}
}

func outcomeOf(err error) string {
	var verr *license.ValidationError
	switch {
	case err == nil:
		return metrics.OutcomeValid
	case xerrors.Is(err, license.ErrNotFoundOrInactive):
		return metrics.OutcomeNotFound
	case xerrors.Is(err, license.ErrExpired):
		return metrics.OutcomeExpired
	case xerrors.Is(err, license.ErrIPNotAllowed):
		return metrics.OutcomeIPNotAllowed
	case xerrors.As(err, &verr):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeError
	}
}
