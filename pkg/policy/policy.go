// Package policy decides whether an uploaded container is acceptable.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// DefaultMaxSize applies when a rules file sets neither max_size nor max_size_mb.
const DefaultMaxSize int64 = 600 << 20

// Policy is the acceptance ruleset for uploaded containers.
type Policy struct {
	MaxSize      int64
	RequireFiles []string
	BlockGlobs   []string
	WarnGlobs    []string
}

// ByteSize accepts either a plain integer or a human readable size such as "600MiB".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: max_size must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		var n int64
		if err := node.Decode(&n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: parse max_size %q: %w", node.Line, node.Value, err)
	}
	if n > math.MaxInt64 {
		return fmt.Errorf("line %d: max_size %q overflows", node.Line, node.Value)
	}
	*b = ByteSize(n)
	return nil
}

type document struct {
	MaxSize      *ByteSize `yaml:"max_size"`
	MaxSizeMB    *float64  `yaml:"max_size_mb"`
	RequireFiles []string  `yaml:"require_files"`
	BlockGlobs   []string  `yaml:"block_globs"`
	WarnGlobs    []string  `yaml:"warn_globs"`
}

// Load reads and parses a YAML rules file.
func Load(filePath string) (Policy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Policy{}, fmt.Errorf("read rules %s: %w", filePath, err)
	}
	p, err := Parse(data)
	if err != nil {
		return Policy{}, fmt.Errorf("rules %s: %w", filePath, err)
	}
	return p, nil
}

// Parse decodes a YAML ruleset. Unknown keys and malformed globs are rejected.
func Parse(data []byte) (Policy, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("decode rules: %w", err)
	}

	p := Policy{MaxSize: DefaultMaxSize}
	switch {
	case doc.MaxSize != nil && doc.MaxSizeMB != nil:
		return Policy{}, errors.New("set only one of max_size and max_size_mb")
	case doc.MaxSize != nil:
		p.MaxSize = int64(*doc.MaxSize)
	case doc.MaxSizeMB != nil:
		p.MaxSize = int64(*doc.MaxSizeMB * (1 << 20))
	}
	if p.MaxSize <= 0 {
		return Policy{}, fmt.Errorf("max size must be positive, got %d", p.MaxSize)
	}

	p.RequireFiles = lowerAll(doc.RequireFiles)
	p.BlockGlobs = lowerAll(doc.BlockGlobs)
	p.WarnGlobs = lowerAll(doc.WarnGlobs)
	if err := p.check(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) check() error {
	for _, list := range [][]string{p.BlockGlobs, p.WarnGlobs} {
		for _, pattern := range list {
			if err := CheckPattern(pattern); err != nil {
				return err
			}
		}
	}
	for _, name := range p.RequireFiles {
		if strings.TrimSpace(name) == "" {
			return errors.New("require_files contains an empty name")
		}
	}
	return nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}

// Normalize converts an entry path to the form patterns are matched against:
// forward slashes, no leading "." or "/" characters, lower case.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimLeft(p, "./")
	return strings.ToLower(p)
}

// CheckPattern reports whether pattern is a well-formed glob.
func CheckPattern(pattern string) error {
	if _, err := path.Match(collapse(pattern), ""); err != nil {
		return fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	return nil
}

// Match reports whether the normalised path matches pattern. "**" is treated
// exactly like "*" and neither crosses a "/".
func Match(normalized, pattern string) bool {
	ok, err := path.Match(collapse(strings.ToLower(pattern)), normalized)
	return err == nil && ok
}

// MatchAny reports whether the normalised path matches at least one pattern.
func MatchAny(normalized string, patterns []string) bool {
	for _, pattern := range patterns {
		if Match(normalized, pattern) {
			return true
		}
	}
	return false
}

func collapse(pattern string) string {
	for strings.Contains(pattern, "**") {
		pattern = strings.ReplaceAll(pattern, "**", "*")
	}
	return pattern
}
