// Package svc runs pacsrelay as a system service (systemd, launchd, Windows SCM).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service defaults.
const (
	DefaultName        = "pacsrelay"
	DefaultDisplayName = "PACS Relay"
	DefaultDescription = "Store-and-forward relay for medical imaging objects"
)

// RunFunc runs the relay until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(s service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		if p.Run == nil {
			p.done <- fmt.Errorf("run function not configured")
			return
		}
		err := p.Run(p.ctx, p.ConfigPath)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("relay exited with error")
		}
		p.done <- err
	}()

	return nil
}

// Stop cancels the relay and waits for it to finish.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // Linux/macOS only
}

// DefaultConfigPath returns the platform's default config location.
func DefaultConfigPath() string {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = filepath.Join(os.Getenv("ProgramData"), "PACSRelay")
	default:
		configDir = "/etc/pacsrelay"
	}

	return filepath.Join(configDir, "pacsrelay.yaml")
}

// NewServiceConfig translates cfg into a kardianos service.Config.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	args := []string{
		"--service-run",
		"serve",
		"--config", cfg.ConfigPath,
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   args,
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}

	return svcCfg
}

func newService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An existing installation is replaced only
// when force is set.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil {
		switch status {
		case service.StatusRunning, service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed (%s); use --force to reinstall", cfg.Name, StatusString(status))
			}
			if status == service.StatusRunning {
				if err := s.Stop(); err != nil {
					log.Warn().Err(err).Msg("failed to stop service")
				}
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *ServiceConfig) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}

	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends start, stop or restart to the service manager.
func Control(cfg *ServiceConfig, action string) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	switch action {
	case "start":
		err = s.Start()
	case "stop":
		err = s.Stop()
	case "restart":
		err = s.Restart()
	default:
		return fmt.Errorf("unknown service action %q", action)
	}
	if err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the current user may manage services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// Install fails with a clearer error when not elevated.
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether the process was started by the service manager.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == "--service-run" {
			return true
		}
	}
	return false
}

// ConfigPathFromArgs extracts --config/-c from raw arguments.
func ConfigPathFromArgs(args []string) string {
	for i, arg := range args {
		if (arg == "--config" || arg == "-c") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
