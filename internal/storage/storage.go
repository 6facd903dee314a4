package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Kind identifies a storage backend implementation. The value is persisted on
// file and log rows so every row remembers which backend holds its content.
type Kind string

const (
	KindLocal Kind = "local"
	KindAzure Kind = "azure"
	KindS3    Kind = "s3"
	KindSFTP  Kind = "sftp"
)

// ScanResult is the malware-scanner verdict attached to a stored object.
type ScanResult string

const (
	ScanClean    ScanResult = "clean"
	ScanInfected ScanResult = "infected"
	// ScanPending means the scanner has not produced a verdict yet.
	ScanPending ScanResult = "pending"
	// ScanUnknown means the tag could not be interpreted; callers treat it as
	// a transient condition, not a terminal verdict.
	ScanUnknown ScanResult = "unknown"
)

var (
	// ErrNotFound is returned when no object exists at the given location.
	ErrNotFound = errors.New("storage: object not found")
	// ErrPermissionDenied is returned when the backend cannot mint credentials
	// for the requested operation, e.g. presigning on a backend without
	// delegated-access support.
	ErrPermissionDenied = errors.New("storage: permission denied")
	// ErrBackendUnavailable is returned on transport failures talking to the
	// backing store.
	ErrBackendUnavailable = errors.New("storage: backend unavailable")
	// ErrScanUnsupported is returned by GetScanTag on backends without an
	// integrated malware scanner.
	ErrScanUnsupported = errors.New("storage: scanning not supported by backend")
)

// Properties holds object metadata reported by the backend.
type Properties struct {
	CreatedAt time.Time
	SizeBytes int64
}

// Backend abstracts a blob store. Implementations are safe for concurrent use
// for different locations.
type Backend interface {
	Kind() Kind

	// PresignUpload returns a time-limited URL accepting a single write to
	// location. Returns ErrPermissionDenied if the backend cannot mint
	// credentials.
	PresignUpload(ctx context.Context, location string, ttl time.Duration) (string, error)

	Exists(ctx context.Context, location string) (bool, error)

	// Download returns the object content. The caller closes the reader.
	Download(ctx context.Context, location string) (io.ReadCloser, error)

	// Upload overwrites the object at location with the reader content.
	Upload(ctx context.Context, location string, r io.Reader) error

	GetProperties(ctx context.Context, location string) (*Properties, error)

	// GetScanTag reads the scanner-provided verdict for the object. Returns
	// ErrScanUnsupported on backends without scanner integration.
	GetScanTag(ctx context.Context, location string) (ScanResult, error)
}

// Registry holds the configured backends keyed by kind.
type Registry struct {
	backends map[Kind]Backend
}

func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[Kind]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Kind()] = b
	}
	return r
}

// Register adds or replaces the backend for its kind.
func (r *Registry) Register(b Backend) {
	r.backends[b.Kind()] = b
}

// Get returns the backend for the given kind.
func (r *Registry) Get(kind Kind) (Backend, error) {
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("no storage backend registered for kind %q", kind)
	}
	return b, nil
}
