// Package pipeline parses the two pipeline file formats into the
// internal model, resolves template extension, and validates the result.
// Both parsers consume pure data: no code execution, no tagged literals,
// files capped at 1 MiB.
package pipeline

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/chengis/chengis/pkg/models"
)

// MaxFileSize caps any pipeline file.
const MaxFileSize = 1 << 20

var (
	// ErrFileTooLarge is returned for pipeline files over MaxFileSize.
	ErrFileTooLarge = errors.New("pipeline file exceeds 1 MiB")

	// ErrUnknownFormat is returned when no parser claims a filename.
	ErrUnknownFormat = errors.New("unknown pipeline file format")
)

// Format is one pipeline file syntax.
type Format interface {
	Name() string
	// Matches reports whether this format parses the given filename.
	Matches(filename string) bool
	Parse(data []byte) (*models.Pipeline, error)
}

// Registry maps filenames to formats. Order matters only for listing;
// filename matching is unambiguous.
type Registry struct {
	formats []Format
}

// NewRegistry returns a registry with the built-in formats registered.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(&ChengisfileFormat{})
	r.Register(&YAMLFormat{})
	return r
}

// Register adds a format.
func (r *Registry) Register(f Format) {
	r.formats = append(r.formats, f)
}

// Parse picks the format by filename, enforces the size cap, parses, and
// validates.
func (r *Registry) Parse(filename string, data []byte) (*models.Pipeline, error) {
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	base := path.Base(strings.ToLower(filename))
	for _, f := range r.formats {
		if !f.Matches(base) {
			continue
		}
		p, err := f.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name(), err)
		}
		if err := Validate(p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filename)
}

// DiscoveryOrder lists the in-repo pipeline file locations, checked in
// order.
var DiscoveryOrder = []string{
	"Chengisfile",
	".chengis/workflow.yml",
	".chengis/workflow.yaml",
	"chengis.yml",
	"chengis.yaml",
}
