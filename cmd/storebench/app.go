package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/storebench"
	"pkt.systems/storebench/internal/envfile"
	"pkt.systems/storebench/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("STOREBENCH_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "storebench")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		var usage *usageError
		switch {
		case errors.Is(err, context.Canceled):
		case errors.As(err, &usage):
			fmt.Fprintf(os.Stderr, "%s\n", usage.Error())
		case rootInvocation:
			loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		default:
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// usageError is printed verbatim instead of being logged.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func backendUsage(reason string) error {
	return &usageError{msg: fmt.Sprintf("%s\nusage: storebench [flags] <backend>\nbackends: %s",
		reason, strings.Join(storebench.BackendNames(), ", "))}
}

func backendArg(cmd *cobra.Command, args []string) error {
	switch {
	case len(args) == 0:
		return backendUsage("missing backend")
	case len(args) > 1:
		return backendUsage(fmt.Sprintf("expected one backend, got %d arguments", len(args)))
	case !storebench.IsBackend(args[0]):
		return backendUsage(fmt.Sprintf("unknown backend %q", args[0]))
	}
	return nil
}

func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			i++
			if strings.Contains(arg, "=") {
				continue
			}
			if flag := lookupLong(strings.TrimPrefix(arg, "--")); flag != nil && flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			i++
			sh := strings.TrimPrefix(arg, "-")
			if flag := lookupShort(sh[len(sh)-1:]); flag != nil && flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := storebench.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, storebench.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "storebench [flags] <backend>",
		Short:         "storebench streams a key/value dataset into a store and reports write throughput and latency",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          backendArg,
		Example: `
  # 10000 concurrent writers against a local PostgreSQL
  storebench --dataset dataset.csv postgres

  # Redis on another host, 500 writers, table output
  storebench -t redis://cache:6379/1 -w 500 -o table redis

  # MinIO (credentials from MINIO_ROOT_USER / MINIO_ROOT_PASSWORD or AWS_*)
  storebench --env-file .env.minio -t "s3://localhost:9000/bench?insecure=1" s3

  # Baseline without any external store (5ms simulated latency)
  storebench fake
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()

			if name := strings.TrimSpace(viper.GetString("env-file")); name != "" {
				applied, err := envfile.Load(name)
				if err != nil {
					return err
				}
				cliLogger.Info("loaded env file", "path", name, "vars", len(applied))
			}

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = loggingutil.WithSubsystem(logger, "cli.root")
			} else {
				cliLogger.Warn("unknown log level, keeping default", "level", logLevel)
			}

			cfg := storebench.Config{Backend: args[0]}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			runner, err := storebench.NewRunner(cfg, storebench.WithLogger(logger))
			if err != nil {
				return err
			}
			cliLogger.Info("welcome to storebench",
				"pid", os.Getpid(),
				"backend", cfg.Backend,
				"target", storebench.ResolveTarget(runner.Config()),
			)
			report, err := runner.Run(ctx)
			if err != nil {
				return err
			}
			return report.Write(cmd.OutOrStdout(), runner.Config().Output)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.storebench/"+storebench.DefaultConfigFileName+")")
	persistentFlags.String("env-file", "", "bash env file sourced before configuration is read (e.g. .env.minio)")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error, disabled)")

	flags := cmd.Flags()
	flags.StringP("target", "t", "", "backend DSN or URL (default depends on the backend, see `storebench backends`)")
	flags.Int("pool-size", 0, "client pool size for pooled backends (0 keeps the backend default)")
	flags.String("workload", storebench.DefaultWorkload, "operation to measure ("+strings.Join(storebench.ValidWorkloads(), ", ")+"); read seeds the backend with the dataset first")
	flags.StringP("dataset", "d", storebench.DefaultDataset, "comma-delimited key,value dataset")
	flags.String("dataset-max-line", humanizeBytes(storebench.DefaultDatasetMaxLine), "longest accepted dataset line (e.g. 1MiB)")
	flags.IntP("worker-count", "w", storebench.DefaultWorkers, "maximum concurrently in-flight operations")
	flags.Int("queue-capacity", 0, "records buffered between the dataset reader and the dispatcher (0 follows worker-count)")
	flags.IntP("retry-count", "r", storebench.DefaultRetryCount, "attempts per record")
	flags.Duration("retry-delay", storebench.DefaultRetryDelay, "fixed pause between attempts")
	flags.Int("retry-delay-ms", 0, "retry delay in milliseconds (overrides --retry-delay when set)")
	flags.Int("health-attempts", storebench.DefaultHealthAttempts, "health checks before the backend is declared unreachable")
	flags.Duration("health-interval", storebench.DefaultHealthInterval, "pause between health checks")
	flags.Duration("write-timeout", 0, "per-attempt timeout for writes and reads (0 disables)")
	flags.Float64("rate-limit", 0, "maximum dispatched records per second (0 is unlimited)")
	flags.Int("progress-every", storebench.DefaultProgressEvery, "log dataset progress every n records (negative disables)")
	flags.StringP("output", "o", storebench.DefaultOutput, "report format ("+strings.Join(storebench.ValidOutputs(), ", ")+")")
	flags.String("metrics-listen", storebench.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", storebench.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("STOREBENCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "env-file", "log-level",
		"target", "pool-size", "workload", "dataset", "dataset-max-line",
		"worker-count", "queue-capacity", "retry-count", "retry-delay", "retry-delay-ms",
		"health-attempts", "health-interval", "write-timeout", "rate-limit", "progress-every",
		"output", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newBackendsCommand())
	return cmd
}

func bindConfig(cfg *storebench.Config) error {
	cfg.Target = viper.GetString("target")
	cfg.PoolSize = viper.GetInt("pool-size")
	cfg.Workload = viper.GetString("workload")
	cfg.Dataset = viper.GetString("dataset")
	if maxLine := viper.GetString("dataset-max-line"); maxLine != "" {
		size, err := humanize.ParseBytes(maxLine)
		if err != nil {
			return fmt.Errorf("parse dataset-max-line: %w", err)
		}
		cfg.DatasetMaxLine = int64(size)
	}
	cfg.Workers = viper.GetInt("worker-count")
	cfg.QueueCapacity = viper.GetInt("queue-capacity")
	cfg.RetryCount = viper.GetInt("retry-count")
	cfg.RetryDelay = viper.GetDuration("retry-delay")
	if ms := viper.GetInt("retry-delay-ms"); ms > 0 {
		cfg.RetryDelay = time.Duration(ms) * time.Millisecond
	}
	cfg.RetryDelaySet = true
	cfg.HealthAttempts = viper.GetInt("health-attempts")
	cfg.HealthInterval = viper.GetDuration("health-interval")
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.RateLimit = viper.GetFloat64("rate-limit")
	cfg.ProgressEvery = viper.GetInt("progress-every")
	cfg.Output = viper.GetString("output")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
