// Package validator defines the pluggable file-validation protocol and the
// registry that routes files to plugins by extension.
package validator

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// Status is the verdict of a single validator execution. StatusProcessing is
// an intermediate signal used internally by polling plugins and is never
// returned from Execute.
type Status string

const (
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completedWithErrors"
	StatusFailed              Status = "failed"
	StatusProcessing          Status = "processing"
)

// Outcome is the result of one validator execution. Logs maps a
// validator-defined log name (e.g. "xtf-log") to the log content.
type Outcome struct {
	Status  Status
	Message string
	Logs    map[string]string
}

// Plugin judges whether a file's content satisfies format rules.
type Plugin interface {
	Name() string

	// SupportedExtensions returns the file extensions (with leading dot) the
	// plugin can handle. Implementations backed by an external service may
	// query it live; an error here means the capability list is currently
	// unavailable, not that the plugin is broken.
	SupportedExtensions(ctx context.Context) ([]string, error)

	// Execute validates the file content. Transport failures and timeouts are
	// reported through the Outcome status, never as an error; a returned
	// error means the plugin itself misbehaved and the file is treated as
	// ErrorProcessing by the caller.
	Execute(ctx context.Context, r io.Reader, fileName string) (*Outcome, error)
}

// ErrNoMatch is returned by Registry.ForFile when no registered plugin
// supports the file's extension.
var ErrNoMatch = errors.New("no validator matches file extension")

// Registry resolves a plugin for a file by extension. The first registered
// plugin claiming the extension wins.
type Registry struct {
	plugins []Plugin
	log     zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{log: logger.With().Str("component", "validator-registry").Logger()}
}

func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
}

// Plugins returns the registered plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	return r.plugins
}

// ForFile resolves the plugin for fileName. mandateID is a documented
// extension point for mandate-specific validator policies; it is currently
// not consulted beyond being accepted here.
func (r *Registry) ForFile(ctx context.Context, fileName string, mandateID *uint) (Plugin, error) {
	_ = mandateID

	ext := strings.ToLower(path.Ext(fileName))
	for _, p := range r.plugins {
		extensions, err := p.SupportedExtensions(ctx)
		if err != nil {
			// An unreachable capability endpoint must not take down
			// dispatching; the plugin simply cannot claim any file right now.
			r.log.Warn().Err(err).Str("plugin", p.Name()).Msg("failed to fetch supported extensions")
			continue
		}
		for _, supported := range extensions {
			if strings.EqualFold(supported, ext) {
				return p, nil
			}
		}
	}
	return nil, ErrNoMatch
}
