package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pacsrelay/pacsrelay/internal/config"
	"github.com/pacsrelay/pacsrelay/internal/svc"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the pacsrelay system service",
		Long: `Install, control, and inspect pacsrelay as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo pacsrelay service install --config /etc/pacsrelay/pacsrelay.yaml
  sudo pacsrelay service start
  sudo pacsrelay service status
  sudo pacsrelay service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", svc.DefaultName, "service name")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install pacsrelay as a system service",
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the pacsrelay system service",
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the pacsrelay service", capitalize(action)),
			RunE:  runServiceControl(action),
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show pacsrelay service status",
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View pacsrelay service logs",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func serviceConfigPath() string {
	if cfgFile != "" {
		if abs, err := filepath.Abs(cfgFile); err == nil {
			return abs
		}
		return cfgFile
	}
	return svc.DefaultConfigPath()
}

func getServiceConfig() *svc.ServiceConfig {
	return &svc.ServiceConfig{
		Name:        serviceName,
		DisplayName: svc.DefaultDisplayName,
		Description: svc.DefaultDescription,
		ConfigPath:  serviceConfigPath(),
		UserName:    serviceUser,
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging(logLevel, "")

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()

	// Refuse to install a service that would fail on its first start.
	if _, err := config.Load(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config %s: %w\nCreate it with 'pacsrelay init' or pass --config", cfg.ConfigPath, err)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo start the service:\n  pacsrelay service start --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging(logLevel, "")

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Msg("uninstalling service")

	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled successfully.\n", cfg.Name)
	return nil
}

func runServiceControl(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		setupLogging(logLevel, "")

		if err := svc.CheckPrivileges(); err != nil {
			return err
		}

		cfg := getServiceConfig()
		log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")

		if err := svc.Control(cfg, action); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", cfg.Name, action)
		return nil
	}
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	setupLogging(logLevel, "")

	cfg := getServiceConfig()
	out := cmd.OutOrStdout()

	status, err := svc.Status(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
		_, _ = fmt.Fprintf(out, "Status:  not installed or unknown\n")
		_, _ = fmt.Fprintf(out, "Error:   %v\n", err)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
	_, _ = fmt.Fprintf(out, "Config:  %s\n", cfg.ConfigPath)
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()

	opts := svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	}
	// Prefer the relay's own log file when the config can be read.
	if relayCfg, err := config.Load(cfg.ConfigPath); err == nil {
		opts.LogFile = filepath.Join(relayCfg.LogDir, LogFileName)
	} else if _, statErr := os.Stat(cfg.ConfigPath); statErr == nil {
		log.Debug().Err(err).Msg("config unreadable, using platform logs")
	}

	return svc.ViewLogs(cmd.Context(), cmd.OutOrStdout(), opts)
}
