package storage

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPBackend stores objects on a remote SFTP server. A new session is opened
// per operation; the servers this targets are long-lived archive hosts where
// connection churn is acceptable. SFTP can neither mint upload credentials
// nor scan for malware, so PresignUpload reports ErrPermissionDenied and
// GetScanTag reports ErrScanUnsupported.
type SFTPBackend struct {
	addr     string
	user     string
	password string
	keyPath  string
	baseDir  string
}

type SFTPOptions struct {
	Host     string
	Port     string
	User     string
	Password string
	KeyPath  string
	BaseDir  string
}

func NewSFTPBackend(opts SFTPOptions) (*SFTPBackend, error) {
	if opts.Host == "" || opts.User == "" {
		return nil, fmt.Errorf("sftp backend requires host and user")
	}
	port := opts.Port
	if port == "" {
		port = "22"
	}
	if opts.Password == "" && opts.KeyPath == "" {
		return nil, fmt.Errorf("sftp backend requires password or key")
	}
	return &SFTPBackend{
		addr:     net.JoinHostPort(opts.Host, port),
		user:     opts.User,
		password: opts.Password,
		keyPath:  opts.KeyPath,
		baseDir:  opts.BaseDir,
	}, nil
}

func (s *SFTPBackend) Kind() Kind {
	return KindSFTP
}

func (s *SFTPBackend) PresignUpload(_ context.Context, location string, _ time.Duration) (string, error) {
	return "", fmt.Errorf("sftp cannot mint upload credentials for %s: %w", location, ErrPermissionDenied)
}

func (s *SFTPBackend) Exists(_ context.Context, location string) (bool, error) {
	client, closer, err := s.newClient()
	if err != nil {
		return false, err
	}
	defer closer()
	if _, err := client.Stat(s.remotePath(location)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	return true, nil
}

func (s *SFTPBackend) Download(_ context.Context, location string) (io.ReadCloser, error) {
	client, closer, err := s.newClient()
	if err != nil {
		return nil, err
	}
	f, err := client.Open(s.remotePath(location))
	if err != nil {
		closer()
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", location, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	return &sftpFile{File: f, closer: closer}, nil
}

func (s *SFTPBackend) Upload(_ context.Context, location string, r io.Reader) error {
	client, closer, err := s.newClient()
	if err != nil {
		return err
	}
	defer closer()

	remotePath := s.remotePath(location)
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir for %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	f, err := client.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	return nil
}

func (s *SFTPBackend) GetProperties(_ context.Context, location string) (*Properties, error) {
	client, closer, err := s.newClient()
	if err != nil {
		return nil, err
	}
	defer closer()
	info, err := client.Stat(s.remotePath(location))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", location, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	return &Properties{CreatedAt: info.ModTime().UTC(), SizeBytes: info.Size()}, nil
}

func (s *SFTPBackend) GetScanTag(_ context.Context, _ string) (ScanResult, error) {
	return ScanUnknown, ErrScanUnsupported
}

func (s *SFTPBackend) newClient() (*sftp.Client, func(), error) {
	auths := []ssh.AuthMethod{}
	if s.keyPath != "" {
		key, err := os.ReadFile(s.keyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("parse key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if s.password != "" {
		auths = append(auths, ssh.Password(s.password))
	}
	cfg := ssh.ClientConfig{
		User:            s.user,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	conn, err := ssh.Dial("tcp", s.addr, &cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial: %w: %v", ErrBackendUnavailable, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("sftp session: %w: %v", ErrBackendUnavailable, err)
	}
	return client, func() {
		client.Close()
		conn.Close()
	}, nil
}

func (s *SFTPBackend) remotePath(location string) string {
	if s.baseDir == "" {
		return location
	}
	return path.Join(s.baseDir, location)
}

// sftpFile ties the lifetime of the underlying ssh connection to the file.
type sftpFile struct {
	*sftp.File
	closer func()
}

func (f *sftpFile) Close() error {
	err := f.File.Close()
	f.closer()
	return err
}
