// Command licensecheck keeps a license verified and exits non-zero as soon
// as it is no longer valid. Protected software can run it as a sidecar or
// copy its loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"licensekeeper/internal/logging"
	"licensekeeper/pkg/licenseclient"
)

var (
	serverURL  string
	licenseKey string
	interval   time.Duration
	retryFor   time.Duration
	logLevel   string
	once       bool
)

var rootCmd = &cobra.Command{
	Use:           "licensecheck",
	Short:         "Verify a license key and keep re-verifying it",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&serverURL, "server", envOr("LICENSE_SERVER", "http://localhost:8080"), "license server base URL (or env LICENSE_SERVER)")
	f.StringVar(&licenseKey, "key", os.Getenv("LICENSE_KEY"), "license key (or env LICENSE_KEY)")
	f.DurationVar(&interval, "interval", licenseclient.DefaultInterval, "time between checks")
	f.DurationVar(&retryFor, "retry-for", licenseclient.DefaultRetryLimit, "how long to retry an unreachable server per check")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	f.BoolVar(&once, "once", false, "verify once and exit")
}

func run(cmd *cobra.Command, _ []string) error {
	logger := logging.Init(logging.Config{Format: "auto", Level: logLevel, Component: "licensecheck"})
	if licenseKey == "" {
		return xerrors.New("a license key is required (--key or LICENSE_KEY)")
	}

	ctx := cmd.Context()
	machineID := licenseclient.MachineID(ctx)
	logger.Info().Str("machine_id", machineID).Str("server", serverURL).Msg("checking license")

	client := licenseclient.NewClient(serverURL, licenseKey, machineID)
	if once {
		v, err := client.Verify(ctx)
		if err != nil {
			return err
		}
		logger.Info().Time("expires_at", v.ExpiresAt).Msg(v.Message)
		return nil
	}

	poller := licenseclient.NewPoller(client,
		licenseclient.WithInterval(interval),
		licenseclient.WithLogger(logger),
		licenseclient.WithBackOff(retryPolicy(retryFor)),
		licenseclient.OnVerdict(func(v licenseclient.Verdict) {
			logger.Info().Time("expires_at", v.ExpiresAt).Msg("license valid")
		}),
	)
	return poller.Run(ctx)
}

func retryPolicy(limit time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = limit
		return eb
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "license check failed: %v\n", err)
		stop()
		os.Exit(1)
	}
}
