package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blockvault/blockvault/internal/svc"
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
		Short: "Manage the blockvault system service",
		Long: `Install, control, and manage the blockvault daemon as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo blockvault service install --config /etc/blockvault/blockvault.yaml
  sudo blockvault service start
  sudo blockvault service status
  sudo blockvault service logs --follow`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install blockvault as a system service",
		Long: `Install the blockvault daemon as a system service that starts at boot.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the blockvault system service",
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the blockvault service", titleCase(action)),
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServiceControl(cmd, action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show blockvault service status",
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View blockvault service logs",
		Long: `View logs from the blockvault service.

Log locations by platform:
  - Linux:   journalctl -u blockvault
  - macOS:   /var/log/blockvault.{out,err}.log
  - Windows: Event Viewer > Application log`,
		RunE: runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "F", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "Service name (default: blockvault)")
	return serviceCmd
}

func getServiceConfig() *svc.Config {
	cfg := svc.DefaultConfig()
	if serviceName != "" {
		cfg.Name = serviceName
	}
	if cfgFile != "" {
		cfg.ConfigPath = cfgFile
	}
	cfg.UserName = serviceUser
	return cfg
}

func runServiceInstall(cmd *cobra.Command, _ []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := getServiceConfig()

	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}

	log.Info().Str("name", cfg.Name).Str("config", cfg.ConfigPath).Msg("Installing service")
	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
	fmt.Fprintf(out, "\nTo start the service:\n  blockvault service start --name %s\n", cfg.Name)
	fmt.Fprintf(out, "\nTo view logs:\n  blockvault service logs --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, _ []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := getServiceConfig()

	log.Info().Str("name", cfg.Name).Msg("Uninstalling service")
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled successfully.\n", cfg.Name)
	return nil
}

func runServiceControl(cmd *cobra.Command, action string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := getServiceConfig()

	log.Info().Str("name", cfg.Name).Str("action", action).Msg("Controlling service")
	if err := svc.Control(cfg, action); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", cfg.Name, action)
	return nil
}

func runServiceStatus(cmd *cobra.Command, _ []string) error {
	cfg := getServiceConfig()
	out := cmd.OutOrStdout()

	status, err := svc.Status(cfg)
	if err != nil {
		fmt.Fprintf(out, "Service: %s\n", cfg.Name)
		fmt.Fprintf(out, "Status:  not installed or unknown\n")
		fmt.Fprintf(out, "Error:   %v\n", err)
		return nil
	}

	fmt.Fprintf(out, "Service: %s\n", cfg.Name)
	fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
	fmt.Fprintf(out, "Config:  %s\n", cfg.ConfigPath)
	return nil
}

func runServiceLogs(cmd *cobra.Command, _ []string) error {
	cfg := getServiceConfig()
	return svc.ViewLogs(cmd.Context(), runtime.GOOS, svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
