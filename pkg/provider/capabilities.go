package provider

import (
	"context"
	"io"
	"time"
)

// Optional provider capability interfaces.
//
// These interfaces are used for feature detection (type assertions). The core
// Provider interface remains intentionally small.

// ObjectPutter can create/overwrite objects.
//
// contentType may be empty, in which case the provider default applies.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, contentType string) error
}

// ObjectDeleter can delete objects. Deleting a missing key is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// ObjectGetter can download objects as a stream.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// Presigner issues time-limited, credential-free read URLs.
type Presigner interface {
	PresignGetObject(ctx context.Context, key string, expires time.Duration) (string, error)
}

// ReadWriter is the full capability set the storage layer needs.
type ReadWriter interface {
	Provider
	ObjectGetter
	ObjectPutter
	ObjectDeleter
	Presigner
}
