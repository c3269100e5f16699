package chunkstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/voxel"
)

// S3Store keeps one object per chunk in an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

func OpenS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store: missing endpoint or bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 store: create client: %w", err)
	}
	s := &S3Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("s3 store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("s3 store: create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) objectName(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *S3Store) chunkObject(c coord.ChunkCoord) string {
	return s.objectName("chunks", fmt.Sprintf("%d_%d_%d.vxc", c.X, c.Y, c.Z))
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *S3Store) get(ctx context.Context, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	// GetObject is lazy; a missing key surfaces on the first read.
	return io.ReadAll(obj)
}

func (s *S3Store) put(ctx context.Context, name string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (s *S3Store) Load(ctx context.Context, c coord.ChunkCoord) (*voxel.Buffer, error) {
	blob, err := s.get(ctx, s.chunkObject(c))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, &IOError{Op: "load", Coord: c, Err: err}
	}
	return decodeBlob(c, blob)
}

func (s *S3Store) Save(ctx context.Context, c coord.ChunkCoord, buf *voxel.Buffer) error {
	blob, err := encodeBlob(c, buf)
	if err != nil {
		return err
	}
	if err := s.put(ctx, s.chunkObject(c), blob, "application/octet-stream"); err != nil {
		return &IOError{Op: "save", Coord: c, Err: err}
	}
	return nil
}

func (s *S3Store) LoadMeta(ctx context.Context) (WorldMeta, error) {
	b, err := s.get(ctx, s.objectName("world.json"))
	if err != nil {
		if isNoSuchKey(err) {
			return WorldMeta{}, ErrNotFound
		}
		return WorldMeta{}, err
	}
	return decodeMeta(b)
}

func (s *S3Store) SaveMeta(ctx context.Context, m WorldMeta) error {
	b, err := encodeMeta(m)
	if err != nil {
		return err
	}
	return s.put(ctx, s.objectName("world.json"), b, "application/json")
}

func (s *S3Store) Close() error { return nil }
