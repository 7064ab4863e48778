package licenseclient

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// ErrExpired is returned by Poller.Run once the cached expiry has passed.
var ErrExpired = xerrors.New("license has expired")

const (
	DefaultInterval   = time.Hour
	DefaultRetryLimit = 2 * time.Minute
)

// Poller re-verifies a license on a fixed interval.
//
// The cached expiry is enforced locally: Run ends with ErrExpired as soon as
// the clock reaches it, between checks and while the server is unreachable. Transient
// failures are retried with backoff. Once a check has succeeded, a check
// whose retries are exhausted keeps the cached verdict; before the first
// success it ends the run.
type Poller struct {
	client     *Client
	clock      quartz.Clock
	interval   time.Duration
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger
	onVerdict  func(Verdict)

	mu      sync.Mutex
	verdict *Verdict
}

type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithClock(c quartz.Clock) PollerOption {
	return func(p *Poller) { p.clock = c }
}

// WithBackOff sets the retry policy used for transient failures. fn is
// called once per check.
func WithBackOff(fn func() backoff.BackOff) PollerOption {
	return func(p *Poller) { p.newBackOff = fn }
}

func WithLogger(l zerolog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// OnVerdict registers fn to be called after every successful check.
func OnVerdict(fn func(Verdict)) PollerOption {
	return func(p *Poller) { p.onVerdict = fn }
}

func NewPoller(client *Client, opts ...PollerOption) *Poller {
	p := &Poller{
		client:   client,
		clock:    quartz.NewReal(),
		interval: DefaultInterval,
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.MaxElapsedTime = DefaultRetryLimit
			return eb
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Current returns the last successful verdict, if any.
func (p *Poller) Current() (Verdict, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verdict == nil {
		return Verdict{}, false
	}
	return *p.verdict, true
}

// Valid reports whether a verdict is cached and its expiry is still ahead.
func (p *Poller) Valid() bool {
	v, ok := p.Current()
	return ok && p.clock.Now().Before(v.ExpiresAt)
}

// Run verifies immediately and then every interval. It returns nil when ctx
// is canceled, ErrExpired, a *RejectedError, or a *TransientError when the
// very first check cannot reach the server.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	cached, ok := p.Current()
	if !ok {
		// canceled before the first verdict
		return nil
	}

	ticker := p.clock.NewTicker(p.interval, "licenseclient", "poll")
	defer ticker.Stop()
	expiry := p.clock.NewTimer(p.clock.Until(cached.ExpiresAt), "licenseclient", "expiry")
	defer expiry.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-expiry.C:
			p.logger.Warn().Time("expires_at", cached.ExpiresAt).Msg("license expired")
			return ErrExpired
		case <-ticker.C:
			if err := p.check(ctx); err != nil {
				return err
			}
			if v, _ := p.Current(); !v.ExpiresAt.Equal(cached.ExpiresAt) {
				cached = v
				expiry.Reset(p.clock.Until(v.ExpiresAt), "licenseclient", "expiry")
			}
		}
	}
}

func (p *Poller) check(ctx context.Context) error {
	cached, ok := p.Current()
	if ok && !p.clock.Now().Before(cached.ExpiresAt) {
		p.logger.Warn().Time("expires_at", cached.ExpiresAt).Msg("license expired")
		return ErrExpired
	}

	var verdict Verdict
	op := func() error {
		v, err := p.client.Verify(ctx)
		if err != nil {
			var rejected *RejectedError
			if xerrors.As(err, &rejected) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		verdict = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn().Err(err).Dur("retry_in", wait).Msg("license check failed, retrying")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(p.newBackOff(), ctx), notify)
	var (
		rejected  *RejectedError
		transient *TransientError
	)
	switch {
	case err == nil:
		p.mu.Lock()
		p.verdict = &verdict
		p.mu.Unlock()
		p.logger.Debug().Time("expires_at", verdict.ExpiresAt).Msg("license verified")
		if p.onVerdict != nil {
			p.onVerdict(verdict)
		}
		return nil
	case ctx.Err() != nil:
		return nil
	case xerrors.As(err, &rejected):
		p.logger.Error().Int("status", rejected.Status).Str("detail", rejected.Detail).Msg("license rejected")
		return err
	case xerrors.As(err, &transient) && ok:
		p.logger.Warn().Err(err).Time("expires_at", cached.ExpiresAt).Msg("license server unreachable, using cached verdict")
		return nil
	default:
		return err
	}
}
