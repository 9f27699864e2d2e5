// Package memory implements the provider capability set over a process-local
// map. Contents vanish with the process.
//
// Fault injection hooks make it the default backend for unit tests of the
// storage-facing services.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/stillpoint/pkg/provider"
)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// FailFunc decides whether op on key should fail. Returning nil lets the call
// proceed.
type FailFunc func(op, key string) error

// Provider stores objects in memory. It is safe for concurrent use.
type Provider struct {
	mu      sync.RWMutex
	objects map[string]object
	fail    FailFunc
	now     func() time.Time
	calls   map[string]int
}

var _ provider.ReadWriter = (*Provider)(nil)

func New() *Provider {
	return &Provider{
		objects: make(map[string]object),
		now:     time.Now,
		calls:   make(map[string]int),
	}
}

// SetFailFunc installs (or clears, with nil) a fault injector.
func (p *Provider) SetFailFunc(fn FailFunc) {
	p.mu.Lock()
	p.fail = fn
	p.mu.Unlock()
}

// Calls returns how many times op has been invoked.
func (p *Provider) Calls(op string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls[op]
}

// Keys returns every stored key in lexical order.
func (p *Provider) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.objects))
	for k := range p.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Provider) begin(op, key string) error {
	p.mu.Lock()
	p.calls[op]++
	fail := p.fail
	p.mu.Unlock()

	if fail != nil {
		if err := fail(op, key); err != nil {
			return &provider.ProviderError{Op: op, Provider: provider.ProviderMemory, Key: key, Err: err}
		}
	}
	return nil
}

func notFound(op, key string) error {
	return &provider.ProviderError{Op: op, Provider: provider.ProviderMemory, Key: key, Err: provider.ErrNotFound}
}

func (p *Provider) Close() error { return nil }

func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	if err := p.begin("List", opts.Prefix); err != nil {
		return nil, err
	}
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var keys []string
	for k := range p.objects {
		if strings.HasPrefix(k, opts.Prefix) && k > opts.ContinuationToken {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	res := &provider.ListResult{}
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
		res.IsTruncated = true
		res.ContinuationToken = keys[len(keys)-1]
	}
	for _, k := range keys {
		obj := p.objects[k]
		res.Objects = append(res.Objects, provider.ObjectSummary{Key: k, Size: int64(len(obj.data)), LastModified: obj.modified})
	}
	return res, nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	if err := p.begin("Head", key); err != nil {
		return nil, err
	}
	p.mu.RLock()
	obj, ok := p.objects[key]
	p.mu.RUnlock()
	if !ok {
		return nil, notFound("Head", key)
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified},
		ContentType:   obj.contentType,
	}, nil
}

func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := p.begin("GetObject", key); err != nil {
		return nil, 0, err
	}
	p.mu.RLock()
	obj, ok := p.objects[key]
	p.mu.RUnlock()
	if !ok {
		return nil, 0, notFound("GetObject", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), int64(len(obj.data)), nil
}

func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, contentType string) error {
	if err := p.begin("PutObject", key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return &provider.ProviderError{Op: "PutObject", Provider: provider.ProviderMemory, Key: key, Err: err}
	}
	p.mu.Lock()
	p.objects[key] = object{data: data, contentType: contentType, modified: p.now()}
	p.mu.Unlock()
	return nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	if err := p.begin("DeleteObject", key); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.objects, key)
	p.mu.Unlock()
	return nil
}

// PresignGetObject returns a memory:// URL carrying the expiry timestamp.
func (p *Provider) PresignGetObject(ctx context.Context, key string, expires time.Duration) (string, error) {
	if err := p.begin("PresignGetObject", key); err != nil {
		return "", err
	}
	u := url.URL{
		Scheme:   "memory",
		Path:     "/" + key,
		RawQuery: fmt.Sprintf("expires=%d", p.now().Add(expires).Unix()),
	}
	return u.String(), nil
}

// ContentType returns the content type recorded for key.
func (p *Provider) ContentType(key string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.objects[key].contentType
}
