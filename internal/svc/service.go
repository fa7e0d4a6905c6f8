// Package svc installs and runs blockvault as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// ServiceRunFlag marks a process started by the service manager.
const ServiceRunFlag = "--service-run"

// RunFunc runs the daemon until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start must not block; the daemon runs in its own goroutine.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() { p.done <- p.Run(ctx, p.ConfigPath) }()
	return nil
}

// Stop cancels the daemon and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config holds service installation settings.
type Config struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // Linux and macOS only
}

// DefaultConfig returns the settings used when no flags override them.
func DefaultConfig() *Config {
	return &Config{
		Name:        "blockvault",
		DisplayName: "Blockvault Storage Daemon",
		Description: "Encrypted content-addressable blob store with tiered backends",
		ConfigPath:  DefaultConfigPath(),
	}
}

// DefaultConfigPath returns the platform's default configuration file.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "Blockvault", "blockvault.yaml")
	}
	return "/etc/blockvault/blockvault.yaml"
}

// NewServiceConfig translates cfg into the service manager's config. The
// installed command is `blockvault serve --config <path> --service-run`.
func NewServiceConfig(cfg *Config, goos string) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{"serve", "--config", cfg.ConfigPath, ServiceRunFlag},
	}

	switch goos {
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

func newService(prg *Program, cfg *Config) (service.Service, error) {
	s, err := service.New(prg, NewServiceConfig(cfg, runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An existing installation is replaced only
// with force.
func Install(cfg *Config, force bool) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("Failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("Failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if needed and removes it.
func Uninstall(cfg *Config) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs one of service.ControlAction ("start", "stop", "restart")
// against the installed service.
func Control(cfg *Config, action string) error {
	if !slices.Contains([]string{"start", "stop", "restart"}, action) {
		return fmt.Errorf("unsupported service action %q", action)
	}
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *Config) (service.Status, error) {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
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

// Run hands control to the service manager until it stops the program.
func Run(prg *Program, cfg *Config) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the current user can manage services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry ServiceRunFlag.
func IsServiceMode(args []string) bool {
	return slices.Contains(args, ServiceRunFlag)
}
