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

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/coordd"
	"pkt.systems/coordd/internal/console"
	"pkt.systems/coordd/internal/svcfields"
)

// exitProcess terminates the process once console command 3 has shut the
// server down.
var exitProcess = os.Exit

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("COORDD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "coordd")
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	executed, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}
	if executed == root && root.SilenceUsage {
		// RunE was entered, so this is a runtime failure rather than a parse error.
		svcfields.WithSubsystem(baseLogger, "cli", "root").Error("coordd failed", "error", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "coordd",
		Short:         "coordd is a centralized mutual-exclusion coordinator speaking a 5-byte TCP protocol",
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		Example: `
  # Listen on :8080 and append events to ./coordd.log
  coordd

  # Custom port and event log, with the operator console on stdin
  coordd -p 9000 -l /var/lib/coordd/events.log --console

  # Only honour releases from the current holder and expose Prometheus metrics
  coordd --release-policy strict --metrics-listen 127.0.0.1:9464

  # Upload the event log to MinIO on shutdown
  COORDD_ARCHIVE_STORE='s3://localhost:9000/audit/coordd?insecure=1&path-style=1' coordd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServer(cmd, v, baseLogger)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.coordd/"+coordd.DefaultConfigFileName+")")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.IntP("port", "p", coordd.DefaultPort, "TCP port to listen on")
	flags.String("listen", "", "listen address, overrides --port (e.g. 127.0.0.1:8080 or a unix socket path)")
	flags.String("listen-proto", coordd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.StringP("log", "l", coordd.DefaultLogFile, "event log file (appended, never truncated)")
	flags.Bool("log-no-sync", false, "skip fsync after each event log line")
	flags.String("release-policy", coordd.DefaultReleasePolicy, "how releases are matched to the holder (lenient, strict)")
	flags.Bool("console", false, "read operator commands (1 queue, 2 counts, 3 exit) from stdin")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics endpoint")
	flags.String("otlp-endpoint", "", "OTLP trace collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("connguard-enabled", false, "refuse hosts that repeatedly violate the protocol")
	flags.Int("connguard-failure-threshold", coordd.DefaultConnguardFailureThreshold, "violations within the window that block a host")
	flags.Duration("connguard-failure-window", coordd.DefaultConnguardFailureWindow, "window violations are counted in")
	flags.Duration("connguard-block-duration", coordd.DefaultConnguardBlockDuration, "how long a host stays blocked")
	flags.String("archive-store", "", "s3://host[:port]/bucket[/prefix] to upload the event log to on shutdown")
	flags.Duration("shutdown-timeout", coordd.DefaultShutdownTimeout, "graceful shutdown budget")

	v.SetEnvPrefix("COORDD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bindFlags(v, persistent)
	bindFlags(v, flags)

	cmd.AddCommand(newClientCommand(baseLogger))
	cmd.AddCommand(newAuditCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", f.Name, err))
		}
	})
}

func runServer(cmd *cobra.Command, v *viper.Viper, baseLogger pslog.Logger) error {
	logger := baseLogger
	if level, ok := pslog.ParseLevel(v.GetString("log-level")); ok {
		logger = logger.LogLevel(level)
	}
	cliLogger := svcfields.WithSubsystem(logger, "cli", "root")

	configFile, err := loadConfigFile(v)
	if err != nil {
		return err
	}
	if configFile != "" {
		cliLogger.Info("config.file.loaded", "path", configFile)
	}
	cfg := bindConfig(v)
	if err := cfg.Validate(); err != nil {
		return err
	}

	svcfields.WithSubsystem(logger, "server", "lifecycle", "init").Info(
		"welcome to coordd",
		"pid", os.Getpid(),
		"listen", cfg.Listen,
		"listen_proto", cfg.ListenProto,
		"log_file", cfg.LogFile,
		"release_policy", cfg.ReleasePolicy,
	)

	srv, err := coordd.NewServer(cfg, coordd.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}

	// Console command 3 only asks for termination; shutdown and exit happen
	// below so the event log is closed and archived before the process ends.
	exitRequests := make(chan int, 1)
	if cfg.Console {
		con := console.New(srv.Coordinator(), cmd.OutOrStdout(), func(code int) {
			cliLogger.Info("console.exit.requested", "code", code, "shutdown_timeout", cfg.ShutdownTimeout)
			select {
			case exitRequests <- code:
			default:
			}
		})
		go func() {
			if err := srv.WaitForReady(ctx); err != nil {
				return
			}
			if err := con.Run(ctx, cmd.InOrStdin()); err != nil && !errors.Is(err, context.Canceled) {
				cliLogger.Warn("console.stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case err := <-errCh:
		if shutdownErr := shutdown(); shutdownErr != nil {
			cliLogger.Warn("shutdown.error", "error", shutdownErr)
		}
		return err
	case <-ctx.Done():
		cliLogger.Info("shutdown.signal")
		err := shutdown()
		if startErr := <-errCh; startErr != nil {
			err = errors.Join(err, startErr)
		}
		return err
	case code := <-exitRequests:
		err := shutdown()
		if startErr := <-errCh; startErr != nil {
			err = errors.Join(err, startErr)
		}
		if err != nil {
			cliLogger.Error("shutdown.error", "error", err)
		}
		cliLogger.Info("console.exit", "code", code)
		exitProcess(code)
		return nil
	}
}

func bindConfig(v *viper.Viper) coordd.Config {
	cfg := coordd.Config{
		Listen:                    strings.TrimSpace(v.GetString("listen")),
		ListenProto:               v.GetString("listen-proto"),
		LogFile:                   v.GetString("log"),
		LogNoSync:                 v.GetBool("log-no-sync"),
		ReleasePolicy:             v.GetString("release-policy"),
		Console:                   v.GetBool("console"),
		MetricsListen:             v.GetString("metrics-listen"),
		PprofListen:               v.GetString("pprof-listen"),
		EnableProfilingMetrics:    v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:              v.GetString("otlp-endpoint"),
		ConnguardEnabled:          v.GetBool("connguard-enabled"),
		ConnguardFailureThreshold: v.GetInt("connguard-failure-threshold"),
		ConnguardFailureWindow:    v.GetDuration("connguard-failure-window"),
		ConnguardBlockDuration:    v.GetDuration("connguard-block-duration"),
		ArchiveStore:              v.GetString("archive-store"),
		ShutdownTimeout:           v.GetDuration("shutdown-timeout"),
	}
	if cfg.Listen == "" {
		cfg.Listen = coordd.ListenForPort(v.GetInt("port"))
	}
	return cfg
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		dir, err := coordd.DefaultConfigDir()
		if err != nil {
			return "", nil
		}
		cfgPath = filepath.Join(dir, coordd.DefaultConfigFileName)
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
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
