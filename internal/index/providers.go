package index

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// KVStore is the narrow key-value persistence contract. Get reports absence
// through found=false; a nil error with found=false is not a failure.
type KVStore interface {
	Get(key string) (data []byte, found bool, err error)
	Put(key string, data []byte) error
	Delete(key string) error
	Close() error
}

// FileProvider is the narrow byte-storage contract for model blobs,
// thumbnails and scan temp files. Paths are relative, derived by this
// package; the provider owns the root.
type FileProvider interface {
	Write(relPath string, data []byte) error
	Read(relPath string) ([]byte, error)
	Exists(relPath string) (bool, error)
	Remove(relPath string) error
	RemoveDir(relPath string) error
}

// PermissionProvider answers whether the camera permission is granted.
// Prompting lives in the UI layer, outside this core.
type PermissionProvider interface {
	CameraGranted() bool
}

const indicesBucket = "indices"

// BoltKV is the bbolt-backed KVStore used by the daemon. All indices live
// as whole JSON blobs in a single bucket, one blob per key.
type BoltKV struct {
	db *bbolt.DB
}

func NewBoltKV(dbPath string) (*BoltKV, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(indicesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize bucket: %w", err)
	}

	return &BoltKV{db: db}, nil
}

func (s *BoltKV) Get(key string) ([]byte, bool, error) {
	var data []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(indicesBucket)).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return data, found, nil
}

func (s *BoltKV) Put(key string, data []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(indicesBucket)).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

func (s *BoltKV) Delete(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(indicesBucket)).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (s *BoltKV) Close() error {
	return s.db.Close()
}

// OSFileProvider stores files under a root directory on the local
// filesystem.
type OSFileProvider struct {
	root string
}

func NewOSFileProvider(root string) (*OSFileProvider, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media root: %w", err)
	}
	return &OSFileProvider{root: root}, nil
}

func (p *OSFileProvider) abs(relPath string) string {
	return filepath.Join(p.root, filepath.FromSlash(relPath))
}

func (p *OSFileProvider) Write(relPath string, data []byte) error {
	abs := p.abs(relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", relPath, err)
	}
	if err := os.WriteFile(abs, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	return nil
}

func (p *OSFileProvider) Read(relPath string) ([]byte, error) {
	data, err := os.ReadFile(p.abs(relPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	return data, nil
}

func (p *OSFileProvider) Exists(relPath string) (bool, error) {
	_, err := os.Stat(p.abs(relPath))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (p *OSFileProvider) Remove(relPath string) error {
	err := os.Remove(p.abs(relPath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", relPath, err)
	}
	return nil
}

func (p *OSFileProvider) RemoveDir(relPath string) error {
	if err := os.RemoveAll(p.abs(relPath)); err != nil {
		return fmt.Errorf("failed to remove directory %s: %w", relPath, err)
	}
	return nil
}
