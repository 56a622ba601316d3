package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 256 << 20
)

var (
	ErrInvalidConfig = errors.New("storage: invalid config")
	ErrInvalidPath   = errors.New("storage: invalid path")
	ErrNotFound      = errors.New("storage: not found")
	ErrTooLarge      = errors.New("storage: object too large")
)

// Cluster holds result and source packages uploaded by clients.
type Cluster interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	// Stat returns ErrNotFound for missing objects.
	Stat(ctx context.Context, path string) (ObjectInfo, error)
}

type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 256 MiB when <= 0.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client

	Now func() time.Time
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Cluster, error) {
	driver := strings.TrimSpace(strings.ToLower(cfg.Driver))
	if driver == "" {
		driver = DriverS3
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	switch driver {
	case DriverMemory:
		return NewMemory(cfg.Prefix, now), nil
	case DriverS3:
		return newS3Cluster(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func cleanPath(path string) (string, error) {
	if path != strings.TrimSpace(path) {
		return "", fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidPath)
	}
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control characters", ErrInvalidPath)
		}
	}
	return path, nil
}

func joinPrefix(prefix, path string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return path
	}
	return prefix + "/" + path
}

// MemoryCluster keeps objects in process memory.
type MemoryCluster struct {
	mu      sync.RWMutex
	prefix  string
	now     func() time.Time
	objects map[string]memoryObject
}

type memoryObject struct {
	data      []byte
	updatedAt time.Time
}

func NewMemory(prefix string, now func() time.Time) *MemoryCluster {
	if now == nil {
		now = time.Now
	}
	return &MemoryCluster{prefix: prefix, now: now, objects: make(map[string]memoryObject)}
}

func (m *MemoryCluster) Put(_ context.Context, path string, data []byte) error {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[joinPrefix(m.prefix, p)] = memoryObject{data: append([]byte(nil), data...), updatedAt: m.now().UTC()}
	m.mu.Unlock()
	return nil
}

func (m *MemoryCluster) Get(_ context.Context, path string) ([]byte, error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[joinPrefix(m.prefix, p)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryCluster) Stat(_ context.Context, path string) (ObjectInfo, error) {
	p, err := cleanPath(path)
	if err != nil {
		return ObjectInfo{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[joinPrefix(m.prefix, p)]
	m.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return ObjectInfo{Path: p, Size: int64(len(obj.data)), LastModified: obj.updatedAt}, nil
}

type s3Cluster struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func newS3Cluster(cfg Config) (*s3Cluster, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &s3Cluster{client: cfg.S3Client, bucket: bucket, prefix: cfg.Prefix, maxGetSize: maxGet}, nil
}

func (s *s3Cluster) Put(ctx context.Context, path string, data []byte) error {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(joinPrefix(s.prefix, p)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("storage/s3: put %q: %w", p, err)
	}
	return nil
}

func (s *s3Cluster) Get(ctx context.Context, path string) ([]byte, error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("storage/s3: get %q: %w", p, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return nil, fmt.Errorf("storage/s3: read %q: %w", p, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrTooLarge, p, s.maxGetSize)
	}
	return data, nil
}

func (s *s3Cluster) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	p, err := cleanPath(path)
	if err != nil {
		return ObjectInfo{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, p)),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return ObjectInfo{}, fmt.Errorf("storage/s3: head %q: %w", p, err)
	}
	return ObjectInfo{
		Path:         p,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
