// Package filestore keeps uploaded files on local disk or in Azure Blob Storage.
package filestore

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/proof"
)

var ErrInvalidKey = errors.New("invalid file key")

// cleanKey rejects keys that are absolute or climb out of the store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", errors.Wrap(ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Wrap(ErrInvalidKey, key)
	}
	return cleaned, nil
}

// New returns the blob store when Azure is configured, else the local one.
func New(conf core.StorageConfig) (proof.FileStore, error) {
	if conf.AzureConnectionString != "" || conf.AzureAccountURL != "" {
		return NewBlob(conf)
	}
	return NewLocal(conf.Dir)
}

// Local implements proof.FileStore on a directory.
type Local struct {
	dir string
}

var _ proof.FileStore = (*Local)(nil)

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "creating %s", dir)
	}
	return &Local{dir: dir}, nil
}

func (s *Local) path(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

func (s *Local) Put(_ context.Context, key string, data []byte, _ string) error {
	fp, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o750); err != nil {
		return errors.Wrap(err, "creating file directory")
	}
	if err := os.WriteFile(fp, data, 0o640); err != nil {
		return errors.Wrapf(err, "writing %s", key)
	}
	return nil
}

func (s *Local) Get(_ context.Context, key string) ([]byte, error) {
	fp, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fp)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, proof.ErrFileNotFound
		}
		return nil, errors.Wrapf(err, "reading %s", key)
	}
	return data, nil
}

func (s *Local) Delete(_ context.Context, key string) error {
	fp, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "removing %s", key)
	}
	return nil
}

type unavailable struct {
	err error
}

// Unavailable returns a store whose every call fails with err. The app still serves everything
// but proofs when its storage cannot be opened.
func Unavailable(err error) proof.FileStore {
	return unavailable{err: errors.Wrap(err, "file storage unavailable")}
}

func (s unavailable) Put(context.Context, string, []byte, string) error { return s.err }
func (s unavailable) Get(context.Context, string) ([]byte, error)       { return nil, s.err }
func (s unavailable) Delete(context.Context, string) error              { return s.err }
