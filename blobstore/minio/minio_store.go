// Package minio implements the blob backend on MinIO and S3-compatible
// object storage.
package minio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/recgo/blobstore"
)

// Store implements blobstore.Store for MinIO.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a MinIO blob store.
// rootPrefix is prepended to all object keys (e.g. "my-db/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(hexDigest string) string {
	return path.Join(s.prefix, "sha256", hexDigest[:2], hexDigest[2:])
}

// Put spools the content to a local temp file while hashing, then uploads
// under the content-derived key. Content already stored is not re-uploaded.
func (s *Store) Put(ctx context.Context, r io.Reader) (blobstore.Ref, error) {
	tmp, err := os.CreateTemp("", "recgo-blob-*")
	if err != nil {
		return blobstore.Ref{}, fmt.Errorf("spool blob: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return blobstore.Ref{}, fmt.Errorf("spool blob: %w", err)
	}

	hexDigest := hex.EncodeToString(h.Sum(nil))
	ref := blobstore.Ref{Hash: blobstore.HashPrefix + hexDigest, Size: size}
	key := s.key(hexDigest)

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return ref, nil
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return blobstore.Ref{}, err
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, tmp, size, minio.PutObjectOptions{}); err != nil {
		return blobstore.Ref{}, fmt.Errorf("upload blob: %w", err)
	}
	return ref, nil
}

// Open opens a stored blob for reading.
func (s *Store) Open(ctx context.Context, hash string) (io.ReadCloser, error) {
	hexDigest, err := blobstore.SplitHash(hash)
	if err != nil {
		return nil, err
	}
	key := s.key(hexDigest)

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}
	return s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
}

// Hashes lists every stored blob hash.
func (s *Store) Hashes(ctx context.Context) ([]string, error) {
	fullPrefix := path.Join(s.prefix, "sha256") + "/"

	var hashes []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    fullPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		rel := strings.TrimPrefix(obj.Key, fullPrefix)
		hashes = append(hashes, blobstore.HashPrefix+strings.ReplaceAll(rel, "/", ""))
	}
	sort.Strings(hashes)
	return hashes, nil
}

// Delete removes a blob. Deleting an absent hash is not an error.
func (s *Store) Delete(ctx context.Context, hash string) error {
	hexDigest, err := blobstore.SplitHash(hash)
	if err != nil {
		return err
	}
	err = s.client.RemoveObject(ctx, s.bucket, s.key(hexDigest), minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil
		}
		return err
	}
	return nil
}
