// Package masking redacts secret values from build output before it is
// persisted or streamed. Masking is exact-match on the resolved secret
// values for the running build, plus optional regex patterns for common
// credential shapes.
package masking

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Replacement substitutes every masked value.
const Replacement = "***"

// minMaskLength guards against masking trivial values (a one-character
// secret would shred the whole log).
const minMaskLength = 4

// Masker redacts a build's secret values from text. Thread-safe: the
// runner adds values as secrets resolve while output goroutines mask
// concurrently.
type Masker struct {
	mu       sync.RWMutex
	values   []string
	patterns []*CompiledPattern
}

// CompiledPattern is a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns catch well-known credential shapes even when the value
// was never registered as a secret (e.g. echoed from a file).
var builtinPatterns = []*CompiledPattern{
	{
		Name:        "aws_access_key",
		Regex:       regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		Replacement: Replacement,
	},
	{
		Name:        "github_token",
		Regex:       regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
		Replacement: Replacement,
	},
	{
		Name:        "slack_token",
		Regex:       regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
		Replacement: Replacement,
	},
	{
		Name:        "private_key_block",
		Regex:       regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		Replacement: Replacement,
	},
}

// New creates a Masker seeded with the built-in credential patterns.
func New() *Masker {
	return &Masker{patterns: builtinPatterns}
}

// AddValue registers a secret value for exact-match redaction. Values
// shorter than minMaskLength are ignored.
func (m *Masker) AddValue(value string) {
	if len(value) < minMaskLength {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.values {
		if v == value {
			return
		}
	}
	m.values = append(m.values, value)
	// Longest first, so a value that contains another is masked whole.
	sort.Slice(m.values, func(i, j int) bool {
		return len(m.values[i]) > len(m.values[j])
	})
}

// AddValues registers many values at once.
func (m *Masker) AddValues(values map[string]string) {
	for _, v := range values {
		m.AddValue(v)
	}
}

// Mask redacts all registered values and matched patterns from text.
func (m *Masker) Mask(text string) string {
	if text == "" {
		return text
	}
	m.mu.RLock()
	values := m.values
	patterns := m.patterns
	m.mu.RUnlock()

	for _, v := range values {
		text = strings.ReplaceAll(text, v, Replacement)
	}
	for _, p := range patterns {
		text = p.Regex.ReplaceAllString(text, p.Replacement)
	}
	return text
}

// ValueCount returns how many exact values are registered.
func (m *Masker) ValueCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
