// Package bytesize parses and formats byte sizes such as "100MB" or "1.5Gi".
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// sizePattern matches size strings like "100MB", "1.5 GB", "2GiB" or "1024".
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

var multipliers = map[string]int64{
	"": B, "B": B,
	"K": KB, "KB": KB, "KI": KB, "KIB": KB,
	"M": MB, "MB": MB, "MI": MB, "MIB": MB,
	"G": GB, "GB": GB, "GI": GB, "GIB": GB,
	"T": TB, "TB": TB, "TI": TB, "TIB": TB,
}

// Parse parses a byte size string into bytes. Units are binary and case
// insensitive; a bare number is bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	multiplier, ok := multipliers[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}
	return int64(value * float64(multiplier)), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format formats a byte count into a human-readable string.
func Format(bytes int64) string {
	if bytes < 0 {
		return "-" + Format(-bytes)
	}
	units := []struct {
		threshold int64
		unit      string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	}
	for _, u := range units {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// Size is a byte size that unmarshals from YAML as either a number of bytes
// or a string with units ("2GB", "512Mi").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	if node.Value == "" {
		*s = 0
		return nil
	}
	bytes, err := Parse(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", node.Line, node.Value, err)
	}
	*s = Size(bytes)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (any, error) {
	return int64(s), nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	return Format(int64(s))
}
