// pacsrelay is a store-and-forward relay for medical imaging objects.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pacsrelay/pacsrelay/internal/config"
	"github.com/pacsrelay/pacsrelay/internal/logging/audit"
	"github.com/pacsrelay/pacsrelay/internal/logging/loki"
	"github.com/pacsrelay/pacsrelay/internal/metrics"
	"github.com/pacsrelay/pacsrelay/internal/relay"
	"github.com/pacsrelay/pacsrelay/internal/svc"
	"github.com/pacsrelay/pacsrelay/internal/transport/ws"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// LogFileName is the relay log written inside log_dir.
const LogFileName = "pacsrelay.log"

var (
	cfgFile  string
	logLevel string

	// Service mode flag (hidden, set by the service manager)
	serviceRun bool
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pacsrelay",
		Short: "Store-and-forward relay for medical imaging objects",
		Long: `pacsrelay receives imaging objects from modalities, stages them on disk,
forwards them to a single upstream archive, and purges staged copies once
they have been forwarded and aged past the retention window.

QUICK START:

  # Write an example config and edit the upstream section:
  pacsrelay init -o /etc/pacsrelay/pacsrelay.yaml

  # Verify the upstream is reachable:
  pacsrelay echo -c /etc/pacsrelay/pacsrelay.yaml

  # Run in the foreground:
  pacsrelay serve -c /etc/pacsrelay/pacsrelay.yaml

  # Or install as a system service:
  sudo pacsrelay service install -c /etc/pacsrelay/pacsrelay.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the relay in the foreground",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "pacsrelay %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
		},
	})

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newEchoCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newLedgerCmd())
	rootCmd.AddCommand(newServiceCmd())

	return rootCmd
}

// setupLogging configures the global logger: console output on stderr and,
// when logDir is set, an append-only copy in logDir/pacsrelay.log. Extra
// writers receive the raw JSON events.
func setupLogging(level, logDir string, extra ...io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stderr
	if logDir != "" {
		logFile, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			out = io.MultiWriter(logFile, os.Stderr)
		}
	}
	console := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: logDir != ""}
	if len(extra) == 0 {
		log.Logger = log.Output(console)
		return
	}
	writers := append([]io.Writer{console}, extra...)
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

func effectiveLevel(cfg *config.Config) string {
	if logLevel != "" {
		return logLevel
	}
	return cfg.LogLevel
}

// shipLogs adds a Loki writer to the global logger when loki_url is set. The
// returned func flushes and stops it.
func shipLogs(cfg *config.Config) func() {
	if cfg.LokiURL == "" {
		return func() {}
	}
	w := loki.NewWriter(loki.Config{
		URL:    cfg.LokiURL,
		Labels: map[string]string{"relay": cfg.Receiver.Identity},
	})
	w.Start()
	setupLogging(effectiveLevel(cfg), cfg.LogDir, w)
	log.Info().Str("url", cfg.LokiURL).Msg("shipping logs to loki")

	return func() {
		setupLogging(effectiveLevel(cfg), cfg.LogDir)
		_ = w.Close()
	}
}

// openAudit opens the custody trail when audit_log is set. The logger is nil
// otherwise, which discards events.
func openAudit(cfg *config.Config) (*audit.Logger, func(), error) {
	if !cfg.AuditLog {
		return nil, func() {}, nil
	}
	a, closer, err := audit.Open(filepath.Join(cfg.LogDir, audit.FileName))
	if err != nil {
		return nil, nil, err
	}
	return a, func() { _ = closer.Close() }, nil
}

// loadConfig loads the config named by --config (or the platform default)
// and sets up logging from it. --log-level overrides the configured level.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = svc.DefaultConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		setupLogging(logLevel, "")
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	setupLogging(effectiveLevel(cfg), cfg.LogDir)
	log.Debug().Str("config", path).Msg("config loaded")
	return cfg, nil
}

// newRelay builds the websocket transport and the controller for cfg.
func newRelay(cfg *config.Config, a *audit.Logger) (*relay.Controller, error) {
	m := metrics.InitMetrics(cfg.Receiver.Identity, Version)

	listener, err := ws.NewServer(cfg.Receiver.Addr(), ws.ServerOptions{
		Identity:          cfg.Receiver.Identity,
		AcceptAnyIdentity: cfg.AcceptAnyIdentity,
		Secret:            []byte(cfg.AuthSecret),
		MaxFrameSize:      cfg.MaxPDUSize.Bytes(),
		Events:            relay.SessionEvents(m, a),
	})
	if err != nil {
		return nil, err
	}

	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}

	c, err := relay.New(cfg, listener, dialer, m)
	if err != nil {
		return nil, err
	}
	c.SetAudit(a)
	return c, nil
}

func newDialer(cfg *config.Config) (*ws.Dialer, error) {
	return ws.NewDialer(ws.DialerOptions{
		Secret:       []byte(cfg.AuthSecret),
		Compression:  cfg.Compression,
		MaxFrameSize: cfg.MaxPDUSize.Bytes(),
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Msg("starting pacsrelay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runRelay(ctx, cfg)
}

func runRelay(ctx context.Context, cfg *config.Config) error {
	stopShipping := shipLogs(cfg)
	defer stopShipping()

	a, closeAudit, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer closeAudit()

	c, err := newRelay(cfg, a)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}

// runAsService runs under the service manager, which starts the binary with
// --service-run.
func runAsService() {
	configPath := svc.ConfigPathFromArgs(os.Args)
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}

	prg := &svc.Program{
		ConfigPath: configPath,
		Run:        runFromService,
	}
	cfg := &svc.ServiceConfig{
		Name:        svc.DefaultName,
		DisplayName: svc.DefaultDisplayName,
		Description: svc.DefaultDescription,
		ConfigPath:  configPath,
	}

	if err := svc.Run(prg, cfg); err != nil {
		setupLogging("info", "")
		log.Fatal().Err(err).Msg("service error")
	}
}

func runFromService(ctx context.Context, configPath string) error {
	cfgFile = configPath
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	log.Info().
		Str("version", Version).
		Str("config", configPath).
		Msg("starting as service")

	return runRelay(ctx, cfg)
}
