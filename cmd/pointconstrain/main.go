package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/SkyatSpace/RapidCFD-dev/config"
	"github.com/SkyatSpace/RapidCFD-dev/runner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	casePath string
	verbose  bool
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "pointconstrain",
	Short: "Constrain point fields on a partitioned mesh",
	Long: `pointconstrain loads a case, partitions its mesh and runs one rank per
partition through the point constraint pipeline: patch evaluation, shared
point merge and corner projection. Afterwards every shared point is checked
for agreement across partitions.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Constrain the case field on every partition",
	Example: `  pointconstrain run --config cube.yaml
  pointconstrain run --config cube.yaml --verbose --timeout 30s`,
	RunE: runCase,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a case and report its partition layout",
	RunE:  checkCase,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&casePath, "config", "c", "case.yaml", "case file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the run after this long (0 disables)")
	rootCmd.AddCommand(runCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(mode string) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return cfg.Build()
}

func setup() (*runner.Runner, *zap.Logger, error) {
	c, err := config.Load(casePath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(c.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	r, err := runner.NewRunner(c, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return r, logger, nil
}

func runCase(cmd *cobra.Command, _ []string) error {
	r, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rep, err := r.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), rep.String())
	if !rep.Consistent() {
		return fmt.Errorf("%d shared points inconsistent", len(rep.Mismatches))
	}
	return nil
}

func checkCase(cmd *cobra.Command, _ []string) error {
	r, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	out := cmd.OutOrStdout()
	stats := r.Layout.PartitionStatistics()
	fmt.Fprintf(out, "case %s: %d elements, %d points, %d partitions (imbalance %.3f)\n",
		r.Case.Name, r.Layout.TotalElements, r.Connector.NumPoints, r.Layout.NumPartitions, stats.Imbalance)
	for _, g := range r.Ranks {
		fmt.Fprintf(out, "  rank %d: %d points, %d shared, %d slave slots\n",
			g.Rank, g.NumLocalPoints, g.NumShared(), g.Schedule.ConstructSize-g.NumShared())
	}
	return nil
}
