// Package bytesize reads and writes memory budgets such as "4MB" or "512Ki".
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Binary units. "MB" and "Mi" both mean 1<<20.
const (
	B  int64 = 1
	KB       = B << 10
	MB       = KB << 10
	GB       = MB << 10
)

// units is ordered largest first for formatting.
var units = []struct {
	prefix string
	size   int64
}{
	{"G", GB},
	{"M", MB},
	{"K", KB},
}

// Parse reads a non-negative size. The number may carry a fraction and is
// followed by an optional unit: K, M or G, each optionally followed by
// "i" and/or "B", or a bare "B". Units are case-insensitive.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	split := strings.IndexFunc(s, func(r rune) bool { return r != '.' && !unicode.IsDigit(r) })
	num, suffix := s, ""
	if split >= 0 {
		num, suffix = s[:split], strings.TrimSpace(s[split:])
	}
	if num == "" {
		return 0, fmt.Errorf("size %q has no number", s)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}

	mult, ok := unitSize(strings.ToUpper(suffix))
	if !ok {
		return 0, fmt.Errorf("size %q has unknown unit %q", s, suffix)
	}
	return int64(v * float64(mult)), nil
}

func unitSize(u string) (int64, bool) {
	if u == "" || u == "B" {
		return B, true
	}
	for _, unit := range units {
		rest, found := strings.CutPrefix(u, unit.prefix)
		if !found {
			continue
		}
		switch rest {
		case "", "B", "I", "IB":
			return unit.size, true
		}
	}
	return 0, false
}

// Format renders n with one decimal in the largest unit not exceeding it,
// e.g. "1.5 MB". Sizes under a kilobyte print as plain bytes.
func Format(n int64) string {
	for _, u := range units {
		if n >= u.size {
			return strconv.FormatFloat(float64(n)/float64(u.size), 'f', 1, 64) + " " + u.prefix + "B"
		}
	}
	return strconv.FormatInt(n, 10) + " B"
}

// Size is a byte count configured as a plain number or with a unit.
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar such as 4MB", value.Line)
	}
	return s.Set(value.Value)
}

// MarshalYAML writes the size in the largest unit that divides it exactly,
// so "16MB" reads back unchanged.
func (s Size) MarshalYAML() (interface{}, error) {
	n := int64(s)
	for _, u := range units {
		if n != 0 && n%u.size == 0 {
			return strconv.FormatInt(n/u.size, 10) + u.prefix + "B", nil
		}
	}
	return n, nil
}

func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	return Format(int64(s))
}

// Set implements pflag.Value.
func (s *Size) Set(v string) error {
	n, err := Parse(v)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

func (s *Size) Type() string {
	return "size"
}
