package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jacksonlee411/coopguard/internal/audit"
	"github.com/jacksonlee411/coopguard/internal/config"
	"github.com/jacksonlee411/coopguard/internal/isolation"
	"github.com/jacksonlee411/coopguard/internal/logging"
	"github.com/jacksonlee411/coopguard/internal/metrics"
	"github.com/jacksonlee411/coopguard/internal/scoped"
	"github.com/jacksonlee411/coopguard/internal/throttle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// harnessRateLimit is the floor for the limiter used by isolation-check; one
// pass makes several hundred calls per harness user.
const harnessRateLimit = 100000

type isolationOptions struct {
	failOn    string
	out       string
	tenants   int
	threshold time.Duration
}

func newIsolationCheckCommand(root *rootOptions) *cobra.Command {
	opts := &isolationOptions{}
	cmd := &cobra.Command{
		Use:   "isolation-check",
		Short: "Run the tenant isolation harness and print its report",
		Long: `Provision throwaway tenants, run every engine operation across them and
report cross-tenant visibility, retargeted contexts, matrix coverage, scoped
query latency and audit completeness. Exits non-zero when a violation at or
above --fail-on is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIsolationCheck(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.failOn, "fail-on", string(isolation.SeverityHigh), "lowest violation severity that fails the run (low|medium|high|critical)")
	cmd.Flags().StringVar(&opts.out, "out", "", "write the JSON report to this file instead of stdout")
	cmd.Flags().IntVar(&opts.tenants, "tenants", 0, "number of tenants to provision (default from config)")
	cmd.Flags().DurationVar(&opts.threshold, "latency-threshold", 0, "p95 latency budget for scoped selects (default from config)")
	return cmd
}

func runIsolationCheck(cmd *cobra.Command, root *rootOptions, opts *isolationOptions) error {
	failOn, err := isolation.ParseSeverity(opts.failOn)
	if err != nil {
		return err
	}
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return err
	}
	if opts.tenants > 0 {
		cfg.Isolation.Tenants = opts.tenants
	}
	if opts.threshold > 0 {
		cfg.Isolation.LatencyThreshold = opts.threshold
	}

	logger := logging.New(cfg.Logging)
	ctx := logging.ContextWithNewRequestID(cmd.Context())

	driver, err := openDriver(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = driver.Close() }()

	matrix, err := cfg.Matrix()
	if err != nil {
		return err
	}
	sealer, err := cfg.Sealer()
	if err != nil {
		return err
	}
	redactor, err := cfg.Redactor()
	if err != nil {
		return err
	}
	rec, err := audit.NewRecorder(driver, redactor, audit.WithLogger(logger))
	if err != nil {
		return err
	}

	limits := cfg.Throttle
	if limits.Limit < harnessRateLimit {
		limits.Limit = harnessRateLimit
	}
	reg := prometheus.NewRegistry()
	eng, err := scoped.New(scoped.Deps{
		Driver:   driver,
		Matrix:   matrix,
		Limiter:  throttle.New(limits),
		Recorder: rec,
		Sealer:   sealer,
	}, scoped.WithLogger(logger), scoped.WithMetrics(metrics.New(reg)))
	if err != nil {
		return err
	}

	runner, err := isolation.NewRunner(isolation.Deps{
		Engine:   eng,
		Driver:   driver,
		Matrix:   matrix,
		Recorder: rec,
		Sealer:   sealer,
	}, cfg.Isolation, isolation.WithLogger(logger))
	if err != nil {
		return err
	}
	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	b, err := report.JSON()
	if err != nil {
		return err
	}
	if opts.out != "" {
		if err := os.WriteFile(opts.out, append(b, '\n'), 0o644); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	}

	if report.Failed(failOn) {
		return fmt.Errorf("[isolation-check] FAILED: %d critical, %d high, %d medium, %d low",
			report.Count(isolation.SeverityCritical), report.Count(isolation.SeverityHigh),
			report.Count(isolation.SeverityMedium), report.Count(isolation.SeverityLow))
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "[isolation-check] OK (%s, %d tenants, p95 %s)\n",
		report.Dialect, len(report.Tenants), report.Latency.P95)
	return nil
}
