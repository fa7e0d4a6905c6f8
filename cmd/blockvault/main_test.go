package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/svc"
	"github.com/blockvault/blockvault/testutil"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	blocks := filepath.Join(root, "blocks")
	require.NoError(t, os.MkdirAll(blocks, 0o755))

	content := fmt.Sprintf(`data_dir: %s
log_level: error
backends:
  - name: local
    type: host-filesystem
    root_path: %s
`, filepath.Join(root, "data"), blocks)
	return testutil.TempFile(t, root, "blockvault.yaml", content)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestPutGetRoundTrip(t *testing.T) {
	configPath := writeTestConfig(t)
	dir := t.TempDir()
	content := strings.Repeat("blockvault ", 1000)
	src := testutil.TempFile(t, dir, "input.txt", content)

	out, err := execute(t, "--config", configPath, "put", src)
	require.NoError(t, err)
	var blobID int64
	_, err = fmt.Sscanf(out, "blob %d (new)", &blobID)
	require.NoError(t, err, "unexpected put output %q", out)

	out, err = execute(t, "--config", configPath, "put", src)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("blob %d (existing)\n", blobID), out)

	dst := filepath.Join(dir, "output.txt")
	_, err = execute(t, "--config", configPath, "get", strconv.FormatInt(blobID, 10), "-o", dst)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))

	out, err = execute(t, "--config", configPath, "get", strconv.FormatInt(blobID, 10), "--offset", "11", "--length", "10")
	require.NoError(t, err)
	assert.Equal(t, "blockvault", out)

	out, err = execute(t, "--config", configPath, "stat", strconv.FormatInt(blobID, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "Chunks:")
	assert.Contains(t, out, "recent 1")
}

func TestPutWithPathCreatesFile(t *testing.T) {
	configPath := writeTestConfig(t)
	src := testutil.TempFile(t, t.TempDir(), "a.txt", "hello")

	out, err := execute(t, "--config", configPath, "put", src, "--container", "7", "--path", "docs/a.txt")
	require.NoError(t, err)
	assert.Regexp(t, `^file \d+ blob \d+ \(new\)\n$`, out)
}

func TestStoreStatAndBackendList(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := execute(t, "--config", configPath, "stat")
	require.NoError(t, err)
	assert.Contains(t, out, "Full blocks:")
	assert.Contains(t, out, "Backends:")

	out, err = execute(t, "--config", configPath, "backend", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "local")
	assert.Contains(t, out, "host-filesystem")
}

func TestGetRejectsInvalidBlobID(t *testing.T) {
	_, err := execute(t, "get", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid blob id")
}

func TestAccessDumpRejectsUnknownStage(t *testing.T) {
	_, err := execute(t, "access", "dump", "weekly")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestKeygen(t *testing.T) {
	configPath := writeTestConfig(t)
	keyPath := filepath.Join(t.TempDir(), "master.key")

	out, err := execute(t, "--config", configPath, "keygen", keyPath)
	require.NoError(t, err)
	assert.Contains(t, out, keyPath)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = execute(t, "--config", configPath, "keygen", keyPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestServiceConfigPath(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"long flag", []string{"blockvault", "serve", "--config", "/etc/bv.yaml", svc.ServiceRunFlag}, "/etc/bv.yaml"},
		{"short flag", []string{"blockvault", "serve", "-c", "/tmp/bv.yaml"}, "/tmp/bv.yaml"},
		{"missing value", []string{"blockvault", "serve", "--config"}, svc.DefaultConfigPath()},
		{"absent", []string{"blockvault", "serve", svc.ServiceRunFlag}, svc.DefaultConfigPath()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serviceConfigPath(tt.args))
		})
	}
}

func TestParseBlobID(t *testing.T) {
	id, err := parseBlobID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = parseBlobID("-1")
	assert.Error(t, err)
	_, err = parseBlobID("")
	assert.Error(t, err)
}

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "Restart", titleCase("restart"))
	assert.Equal(t, "", titleCase(""))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "blockvault dev"))
}
