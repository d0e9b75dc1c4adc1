package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore implements Store on the local file system. Blobs live under
// root/sha256/<first two hex chars>/<remaining hex chars>, written to a temp
// file first and renamed into place so readers never see partial content.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at the given directory. The
// directory is created on first Put.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) blobPath(hexDigest string) string {
	return filepath.Join(s.root, "sha256", hexDigest[:2], hexDigest[2:])
}

// Put streams the content to disk, hashing as it goes. If the content is
// already stored the temp copy is discarded.
func (s *LocalStore) Put(ctx context.Context, r io.Reader) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return Ref{}, fmt.Errorf("create blob root: %w", err)
	}

	tmp, err := os.CreateTemp(s.root, ".put-*")
	if err != nil {
		return Ref{}, fmt.Errorf("create temp blob: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return Ref{}, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return Ref{}, fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Ref{}, err
	}

	hexDigest := hex.EncodeToString(h.Sum(nil))
	ref := Ref{Hash: HashPrefix + hexDigest, Size: size}

	dst := s.blobPath(hexDigest)
	if _, err := os.Stat(dst); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Ref{}, fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Ref{}, fmt.Errorf("store blob: %w", err)
	}
	return ref, nil
}

// Open opens a stored blob for reading.
func (s *LocalStore) Open(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hexDigest, err := SplitHash(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.blobPath(hexDigest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// Hashes lists every stored blob hash.
func (s *LocalStore) Hashes(ctx context.Context) ([]string, error) {
	base := filepath.Join(s.root, "sha256")
	var hashes []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		dir, file := filepath.Split(rel)
		hashes = append(hashes, HashPrefix+filepath.Clean(dir)+file)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

// Delete removes a blob. Deleting an absent hash is not an error.
func (s *LocalStore) Delete(ctx context.Context, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hexDigest, err := SplitHash(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(hexDigest)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
