// Package storage is the object-storage collaborator used by the job, HLS and
// download services. It layers JSON documents, file transfer and paginated
// listing over a provider.ReadWriter and gates every call through the storage
// circuit breaker.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/stillpoint/pkg/breaker"
	"github.com/3leaps/stillpoint/pkg/provider"
)

// Store is safe for concurrent use when its backend is.
type Store struct {
	backend       provider.ReadWriter
	breaker       *breaker.Breaker
	log           *zap.Logger
	presignExpiry time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithBreaker gates every backend call through b. Not-found answers do not
// count as failures.
func WithBreaker(b *breaker.Breaker) Option {
	return func(s *Store) { s.breaker = b }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithPresignExpiry sets the lifetime used when PresignGet is called with a
// non-positive expiry.
func WithPresignExpiry(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.presignExpiry = d
		}
	}
}

// DefaultPresignExpiry is the lifetime of presigned URLs.
const DefaultPresignExpiry = time.Hour

func New(backend provider.ReadWriter, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		log:           zap.NewNop(),
		presignExpiry: DefaultPresignExpiry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying provider.
func (s *Store) Backend() provider.ReadWriter { return s.backend }

// Close releases the backend.
func (s *Store) Close() error { return s.backend.Close() }

// guard runs fn through the storage breaker when one is configured.
func guard[T any](ctx context.Context, s *Store, fn func(context.Context) (T, error)) (T, error) {
	if s.breaker == nil {
		return fn(ctx)
	}
	v, err := breaker.DoClassified(ctx, s.breaker, isBackendFailure, fn)
	if breaker.IsOpen(err) {
		s.log.Warn("storage call rejected", zap.String("breaker", s.breaker.Name()))
	}
	return v, err
}

func isBackendFailure(err error) bool {
	return !provider.IsNotFound(err)
}

// UploadJSON marshals doc and writes it under key.
func (s *Store) UploadJSON(ctx context.Context, key string, doc any) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	b = append(b, '\n')
	return s.PutBytes(ctx, key, b, "application/json")
}

// DownloadJSON reads key and unmarshals it into out. A missing key returns an
// error matching provider.ErrNotFound.
func (s *Store) DownloadJSON(ctx context.Context, key string, out any) error {
	b, err := s.GetBytes(ctx, key)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return fmt.Errorf("%s is empty", key)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

func (s *Store) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := guard(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.PutObject(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
	})
	return err
}

func (s *Store) GetBytes(ctx context.Context, key string) ([]byte, error) {
	return guard(ctx, s, func(ctx context.Context) ([]byte, error) {
		rc, _, err := s.backend.GetObject(ctx, key)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rc.Close() }()
		b, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		return b, nil
	})
}

// UploadFile streams the local file at path to key.
func (s *Store) UploadFile(ctx context.Context, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	_, err = guard(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.PutObject(ctx, key, f, st.Size(), contentType)
	})
	return err
}

// DownloadFile writes key to dest, creating parent directories. dest is
// replaced atomically.
func (s *Store) DownloadFile(ctx context.Context, key, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dest, err)
	}

	_, err := guard(ctx, s, func(ctx context.Context) (struct{}, error) {
		rc, _, err := s.backend.GetObject(ctx, key)
		if err != nil {
			return struct{}{}, err
		}
		defer func() { _ = rc.Close() }()

		tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp.*")
		if err != nil {
			return struct{}{}, fmt.Errorf("create temp file: %w", err)
		}
		tmpName := tmp.Name()
		defer func() { _ = os.Remove(tmpName) }()

		if _, err := io.Copy(tmp, rc); err != nil {
			_ = tmp.Close()
			return struct{}{}, fmt.Errorf("download %s: %w", key, err)
		}
		if err := tmp.Close(); err != nil {
			return struct{}{}, fmt.Errorf("close temp file: %w", err)
		}
		if err := os.Rename(tmpName, dest); err != nil {
			return struct{}{}, fmt.Errorf("rename to %s: %w", dest, err)
		}
		return struct{}{}, nil
	})
	return err
}

// Exists reports whether key is present. Errors other than not-found are
// returned.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := guard(ctx, s, func(ctx context.Context) (*provider.ObjectMeta, error) {
		return s.backend.Head(ctx, key)
	})
	if err == nil {
		return true, nil
	}
	if provider.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// ListKeys returns every key under prefix, following continuation tokens.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	token := ""
	for {
		res, err := guard(ctx, s, func(ctx context.Context) (*provider.ListResult, error) {
			return s.backend.List(ctx, provider.ListOptions{Prefix: prefix, ContinuationToken: token})
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range res.Objects {
			keys = append(keys, obj.Key)
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			return keys, nil
		}
		token = res.ContinuationToken
	}
}

// Delete removes key. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := guard(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.DeleteObject(ctx, key)
	})
	if provider.IsNotFound(err) {
		return nil
	}
	return err
}

// PresignGet issues a time-limited read URL for key. A non-positive expires
// uses the store default.
func (s *Store) PresignGet(ctx context.Context, key string, expires time.Duration) (string, error) {
	if expires <= 0 {
		expires = s.presignExpiry
	}
	return guard(ctx, s, func(ctx context.Context) (string, error) {
		return s.backend.PresignGetObject(ctx, key, expires)
	})
}
