package svc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// LogOptions configures log viewing.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int // default 50
}

// ViewLogs streams the service logs to stdout using the platform's log
// tool.
func ViewLogs(ctx context.Context, goos string, opts LogOptions) error {
	argv, err := logCommand(goos, opts)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func logCommand(goos string, opts LogOptions) ([]string, error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	lines := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		argv := []string{"journalctl", "-u", opts.ServiceName, "-n", lines, "--no-pager"}
		if opts.Follow {
			argv = append(argv, "-f")
		}
		return argv, nil
	case "darwin":
		// launchd writes stdout and stderr to /var/log/<name>.{out,err}.log.
		argv := []string{"tail", "-n", lines}
		if opts.Follow {
			argv = append(argv, "-f")
		}
		return append(argv,
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName)), nil
	case "windows":
		script := fmt.Sprintf(
			"Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | "+
				"Format-Table -Property TimeCreated, LevelDisplayName, Message -AutoSize -Wrap",
			opts.ServiceName, opts.Lines)
		return []string{"powershell", "-NoProfile", "-Command", script}, nil
	default:
		return nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}
