// Package s3 implements the blob backend on Amazon S3.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/recgo/blobstore"
)

// Store implements blobstore.Store for S3.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewStore creates an S3 blob store.
// rootPrefix is prepended to all object keys (e.g. "my-db/").
func NewStore(client *s3.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   rootPrefix,
	}
}

// NewStoreFromEnv builds the client from the ambient AWS configuration.
func NewStoreFromEnv(ctx context.Context, bucket, rootPrefix string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewStore(s3.NewFromConfig(cfg), bucket, rootPrefix), nil
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

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return ref, nil
	}
	if !isNotFound(err) {
		return blobstore.Ref{}, err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return blobstore.Ref{}, err
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   tmp,
	})
	if err != nil {
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
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hexDigest)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

// Hashes lists every stored blob hash.
func (s *Store) Hashes(ctx context.Context) ([]string, error) {
	fullPrefix := path.Join(s.prefix, "sha256") + "/"

	var hashes []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(*obj.Key, fullPrefix)
			hashes = append(hashes, blobstore.HashPrefix+strings.ReplaceAll(rel, "/", ""))
		}
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
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hexDigest)),
	})
	return err
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}
