package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LocalBackend stores objects on the local file system. The file system
// cannot mint upload credentials itself, so PresignUpload returns a URL on
// this service's own API carrying a signed single-purpose token that the
// upload endpoint verifies before writing.
type LocalBackend struct {
	basePath    string
	baseURL     string
	tokenSecret []byte
}

func NewLocalBackend(basePath, baseURL, tokenSecret string) (*LocalBackend, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalBackend{
		basePath:    basePath,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		tokenSecret: []byte(tokenSecret),
	}, nil
}

func (l *LocalBackend) Kind() Kind {
	return KindLocal
}

func (l *LocalBackend) PresignUpload(_ context.Context, location string, ttl time.Duration) (string, error) {
	if len(l.tokenSecret) == 0 {
		return "", fmt.Errorf("upload token secret not configured: %w", ErrPermissionDenied)
	}
	if _, err := l.resolve(location); err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"loc": location,
		"exp": time.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString(l.tokenSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign upload token: %w", err)
	}
	return fmt.Sprintf("%s/api/v1/uploads/%s", l.baseURL, signed), nil
}

// VerifyUploadToken validates a presigned upload token and returns the
// location it grants access to.
func (l *LocalBackend) VerifyUploadToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return l.tokenSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid upload token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid upload token claims")
	}
	location, _ := claims["loc"].(string)
	if location == "" {
		return "", errors.New("upload token has no location")
	}
	return location, nil
}

func (l *LocalBackend) Exists(_ context.Context, location string) (bool, error) {
	path, err := l.resolve(location)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", location, err)
	}
	return true, nil
}

func (l *LocalBackend) Download(_ context.Context, location string) (io.ReadCloser, error) {
	path, err := l.resolve(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", location, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", location, err)
	}
	return f, nil
}

func (l *LocalBackend) Upload(_ context.Context, location string, r io.Reader) error {
	path, err := l.resolve(location)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func (l *LocalBackend) GetProperties(_ context.Context, location string) (*Properties, error) {
	path, err := l.resolve(location)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", location, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", location, err)
	}
	return &Properties{CreatedAt: info.ModTime().UTC(), SizeBytes: info.Size()}, nil
}

func (l *LocalBackend) GetScanTag(_ context.Context, _ string) (ScanResult, error) {
	return ScanUnknown, ErrScanUnsupported
}

// resolve maps a location to an absolute path under basePath and rejects
// traversal outside of it.
func (l *LocalBackend) resolve(location string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(location))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("location %q escapes storage root: %w", location, ErrPermissionDenied)
	}
	return filepath.Join(l.basePath, cleaned), nil
}
