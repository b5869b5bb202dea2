// OpenTelemetry bridge for coding agent sessions
// Replays recorded agent events into traces, metrics and logs via the OTel SDK
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/andrewh/agentotel/pkg/config"
	"github.com/andrewh/agentotel/pkg/diagnostics"
	"github.com/andrewh/agentotel/pkg/host"
	"github.com/andrewh/agentotel/pkg/provider"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:          "agentotel",
		Short:        "OpenTelemetry bridge for coding agent sessions",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
			cmd.SetContext(withLogger(cmd.Context(), slog.New(handler)))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "diagnostics log level: debug, info, warn or error")

	root.AddCommand(replayCmd())
	root.AddCommand(configCmd())
	root.AddCommand(traceURLCmd())
	root.AddCommand(versionCmd())

	return root
}

type loggerKey struct{}

func withLogger(ctx context.Context, l *slog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, l)
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

type replayOptions struct {
	configPath string
	stdout     bool
	status     bool
}

func replayCmd() *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay <events.jsonl | ->",
		Short: "Replay recorded agent events as telemetry",
		Long: "Replay recorded agent events as telemetry.\n\n" +
			"Each input line is one JSON event such as\n" +
			`  {"type":"tool_call","toolCallId":"c1","toolName":"bash","input":{"command":"ls"}}` + "\n" +
			"Use - to read events from stdin.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing events file\n\nUsage: agentotel replay <events.jsonl | ->")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "YAML configuration file")
	cmd.Flags().BoolVar(&opts.stdout, "stdout", false, "emit all signals to stdout as JSON")
	cmd.Flags().BoolVar(&opts.status, "status", false, "print a telemetry status report after the replay")

	return cmd
}

func runReplay(cmd *cobra.Command, source string, opts replayOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := loggerFrom(cmd.Context())

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.stdout {
		cfg.Traces.Exporter = config.ExporterConsole
		cfg.Metrics.Exporters = []config.Exporter{config.ExporterConsole}
		cfg.Logs.Exporter = config.ExporterConsole
	}

	var r io.Reader = cmd.InOrStdin()
	if source != "-" {
		f, err := os.Open(source) //nolint:gosec // user-supplied file path is expected
		if err != nil {
			return fmt.Errorf("opening events: %w", err)
		}
		defer f.Close() //nolint:errcheck // best-effort close on read-only file
		r = f
	}

	hostOpts := []host.Option{
		host.WithLogger(logger),
		host.WithOnError(func(err error) { logger.Error("telemetry export failed", "error", err) }),
	}
	if cfg.Enabled {
		rt, err := provider.New(ctx, cfg, provider.WithWriter(cmd.OutOrStdout()))
		if err != nil {
			return err
		}
		hostOpts = append(hostOpts, host.WithTracerProvider(rt.TracerProvider), host.WithRuntime(rt))
		if rt.MeterProvider != nil {
			hostOpts = append(hostOpts, host.WithMeterProvider(rt.MeterProvider))
		}
		if rt.LoggerProvider != nil {
			hostOpts = append(hostOpts, host.WithLoggerProvider(rt.LoggerProvider))
		}
	}

	h, err := host.New(cfg, hostOpts...)
	if err != nil {
		return err
	}

	n, replayErr := h.Replay(ctx, r)
	logger.Info("replay finished", "events", n)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	shutdownErr := h.Shutdown(shutdownCtx)

	if opts.status {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), diagnostics.FormatStatus(diagnostics.NewSnapshot(cfg, h.Status())))
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Replayed %d events\n", n)

	if replayErr != nil {
		return replayErr
	}
	return shutdownErr
}

func configCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  "Print the effective configuration as YAML. Header values are masked.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Redacted()); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			return enc.Close()
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")

	return cmd
}

func traceURLCmd() *cobra.Command {
	var (
		configPath string
		open       bool
	)

	cmd := &cobra.Command{
		Use:   "trace-url <trace-id>",
		Short: "Print the trace viewer link for a trace id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			url := diagnostics.TraceURL(cfg.TraceUIBaseURL, args[0])
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), url)
			if !open {
				return nil
			}
			return diagnostics.OpenTrace(cmd.Context(), runtime.GOOS, url, diagnostics.ExecRunner)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
	cmd.Flags().BoolVar(&open, "open", false, "open the link in the default browser")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "agentotel %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}
