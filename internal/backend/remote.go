package backend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"
)

// CommandRunner runs an external command with optional stdin and returns its
// stdout. A non-zero exit status is an error.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, stdin []byte) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string, stdin []byte) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", strings.Join(argv[:min(2, len(argv))], " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Remote adapts an rclone on-the-fly remote (":smb:" or ":webdav:") to the
// Backend interface.
type Remote struct {
	protocol string
	rootPath string
	runner   CommandRunner
	args     func(ctx context.Context) ([]string, error)
}

// ConnectionTest lists the remote root.
func (r *Remote) ConnectionTest(ctx context.Context) error {
	if err := r.exists(ctx, "/"); err != nil {
		return fmt.Errorf("list %s root: %w", r.protocol, err)
	}
	return nil
}

func (r *Remote) CreateDirectoryIfNotExisting(ctx context.Context, dir string) error {
	if r.exists(ctx, dir) == nil {
		return nil
	}
	_, err := r.call(ctx, "mkdir", nil, dir, nil)
	return err
}

func (r *Remote) ReadFile(ctx context.Context, name string) ([]byte, error) {
	return r.call(ctx, "cat", nil, name, nil)
}

func (r *Remote) StoreFile(ctx context.Context, name string, data []byte) error {
	_, err := r.call(ctx, "rcat", []string{"--size", fmt.Sprint(len(data))}, name, data)
	return err
}

func (r *Remote) DeleteFile(ctx context.Context, name string) error {
	_, err := r.call(ctx, "deletefile", nil, name, nil)
	return err
}

func (r *Remote) exists(ctx context.Context, name string) error {
	_, err := r.call(ctx, "ls", []string{"--max-depth", "1"}, name, nil)
	return err
}

func (r *Remote) call(ctx context.Context, command string, extra []string, name string, stdin []byte) ([]byte, error) {
	backendArgs, err := r.args(ctx)
	if err != nil {
		return nil, err
	}
	argv := make([]string, 0, 3+len(backendArgs)+len(extra))
	argv = append(argv, "rclone", command)
	argv = append(argv, backendArgs...)
	argv = append(argv, extra...)
	argv = append(argv, ":"+r.protocol+":"+path.Join(r.rootPath, name))
	return r.runner.Run(ctx, argv, stdin)
}

// obscure converts a clear-text password into the form rclone accepts on
// the command line.
func obscure(ctx context.Context, runner CommandRunner, password string) (string, error) {
	out, err := runner.Run(ctx, []string{"rclone", "obscure", "-"}, []byte(password))
	if err != nil {
		return "", fmt.Errorf("obscure password: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
