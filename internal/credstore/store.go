package credstore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/ini.v1"

	"go2tv.app/station-remote/internal/adapters"
	"go2tv.app/station-remote/internal/domain"
)

const (
	sectionName = "credentials"
	keyToken    = "auth_token"
	keyCookies  = "cookies"
	filePerm    = 0o600
	dirPerm     = 0o700
)

// FileStore keeps the credential blob in an INI file readable only by the
// owner. The cookie blob is stored base64 encoded.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load returns empty credentials when the file does not exist yet.
func (s *FileStore) Load() (domain.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Credentials{}, nil
	}
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	file, err := ini.Load(data)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("parse credentials %s: %w", s.path, err)
	}
	sec := file.Section(sectionName)
	creds := domain.Credentials{AuthToken: sec.Key(keyToken).String()}
	if encoded := sec.Key(keyCookies).String(); encoded != "" {
		blob, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return domain.Credentials{}, fmt.Errorf("decode cookie blob: %w", err)
		}
		creds.CookieBlob = string(blob)
	}
	return creds, nil
}

// Save replaces the file atomically. Empty credentials still write a file so
// a logout is visible on disk.
func (s *FileStore) Save(creds domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := ini.Empty()
	sec, err := file.NewSection(sectionName)
	if err != nil {
		return err
	}
	if _, err := sec.NewKey(keyToken, creds.AuthToken); err != nil {
		return err
	}
	if _, err := sec.NewKey(keyCookies, base64.StdEncoding.EncodeToString([]byte(creds.CookieBlob))); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create credentials file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if _, err := file.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

var _ adapters.CredentialStore = (*FileStore)(nil)
