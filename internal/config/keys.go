package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// masterKeySize is the number of random bytes in a generated master key.
const masterKeySize = 32

// GenerateMasterKey writes a new random master key to path with 0600
// permissions. It refuses to overwrite an existing file: losing a master
// key makes every wrapped DEK unreadable.
func GenerateMasterKey(path string) (string, error) {
	raw := make([]byte, masterKeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	key := base64.StdEncoding.EncodeToString(raw)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create master key file: %w", err)
	}
	if _, err := f.WriteString(key + "\n"); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write master key: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}

// LoadMasterKey reads a master key file. Surrounding whitespace is ignored.
func LoadMasterKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read master key: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("master key file %s is empty", path)
	}
	return key, nil
}

// EnsureMasterKey loads the master key at path or generates one if the file
// does not exist.
func EnsureMasterKey(path string) (key string, created bool, err error) {
	key, err = LoadMasterKey(path)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", false, err
	}
	key, err = GenerateMasterKey(path)
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}
