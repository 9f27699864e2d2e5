// Package preflight probes what the configured object store allows before
// jobs depend on it.
package preflight

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/stillpoint/pkg/provider"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	ModePlanOnly   Mode = "plan-only"
	ModeReadSafe   Mode = "read-safe"
	ModeWriteProbe Mode = "write-probe"
)

// ParseMode accepts the mode names above; empty means read-safe.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeReadSafe, nil
	case ModePlanOnly, ModeReadSafe, ModeWriteProbe:
		return m, nil
	}
	return "", fmt.Errorf("unknown preflight mode %q (want %s, %s or %s)", s, ModePlanOnly, ModeReadSafe, ModeWriteProbe)
}

// DefaultProbePrefix keeps probe objects away from user data.
const DefaultProbePrefix = "_stillpoint/probe/"

// Spec controls how preflight checks are executed.
type Spec struct {
	Mode        Mode
	ProbePrefix string
}

// Capability names are stable strings.
const (
	CapList    = "storage.list"
	CapHead    = "storage.head"
	CapWrite   = "storage.write"
	CapRead    = "storage.read"
	CapPresign = "storage.presign"
	CapDelete  = "storage.delete"
)

// Error codes for failed checks.
const (
	ErrCodeAccessDenied = "ACCESS_DENIED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeThrottled    = "THROTTLED"
	ErrCodeUnavailable  = "PROVIDER_UNAVAILABLE"
	ErrCodeMismatch     = "CONTENT_MISMATCH"
	ErrCodeInternal     = "INTERNAL"
)

// Result is the outcome of one capability check.
type Result struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Report collects results in the order they ran.
type Report struct {
	Mode        Mode     `json:"mode"`
	ProbePrefix string   `json:"probe_prefix"`
	Results     []Result `json:"results"`
}

// Allowed reports whether every check that ran passed.
func (r *Report) Allowed() bool {
	for _, res := range r.Results {
		if !res.Allowed {
			return false
		}
	}
	return true
}

func (r *Report) pass(capability, method string) {
	r.Results = append(r.Results, Result{Capability: capability, Allowed: true, Method: method})
}

func (r *Report) fail(capability, method string, err error) error {
	r.Results = append(r.Results, Result{
		Capability: capability,
		Method:     method,
		ErrorCode:  normalizeErrorCode(err),
		Detail:     err.Error(),
	})
	return err
}

// Storage checks the capabilities the job store relies on. It stops at the
// first failure and returns the report so far alongside the error.
//
// Ordering: list, head, then (write-probe only) put, get, presign, delete.
// Probe objects live under spec.ProbePrefix with random names.
func Storage(ctx context.Context, p provider.ReadWriter, spec Spec) (*Report, error) {
	prefix := spec.ProbePrefix
	if prefix == "" {
		prefix = DefaultProbePrefix
	}
	rec := &Report{Mode: spec.Mode, ProbePrefix: prefix, Results: []Result{}}

	if spec.Mode == ModePlanOnly {
		return rec, nil
	}

	method := fmt.Sprintf("List(prefix=%q,maxKeys=1)", prefix)
	if _, err := p.List(ctx, provider.ListOptions{Prefix: prefix, MaxKeys: 1}); err != nil {
		return rec, rec.fail(CapList, method, err)
	}
	rec.pass(CapList, method)

	// A missing key is the expected answer.
	if _, err := p.Head(ctx, joinPrefix(prefix, "head-"+uuid.NewString())); err != nil && !provider.IsNotFound(err) {
		return rec, rec.fail(CapHead, "Head(random)", err)
	}
	rec.pass(CapHead, "Head(random)")

	if spec.Mode != ModeWriteProbe {
		return rec, nil
	}
	return rec, writeProbe(ctx, p, prefix, rec)
}

func writeProbe(ctx context.Context, p provider.ReadWriter, prefix string, rec *Report) error {
	key := joinPrefix(prefix, "write-"+uuid.NewString())
	payload := []byte("stillpoint preflight " + time.Now().UTC().Format(time.RFC3339Nano))

	if err := p.PutObject(ctx, key, bytes.NewReader(payload), int64(len(payload)), "text/plain"); err != nil {
		return rec.fail(CapWrite, "PutObject", err)
	}
	rec.pass(CapWrite, "PutObject")

	// Whatever happens next, try not to leave the probe behind.
	deleted := false
	defer func() {
		if !deleted {
			_ = p.DeleteObject(context.WithoutCancel(ctx), key)
		}
	}()

	body, _, err := p.GetObject(ctx, key)
	if err != nil {
		return rec.fail(CapRead, "GetObject", err)
	}
	got, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		return rec.fail(CapRead, "GetObject", err)
	}
	if !bytes.Equal(got, payload) {
		err := fmt.Errorf("read %d bytes, wrote %d", len(got), len(payload))
		rec.Results = append(rec.Results, Result{
			Capability: CapRead,
			Method:     "GetObject",
			ErrorCode:  ErrCodeMismatch,
			Detail:     err.Error(),
		})
		return err
	}
	rec.pass(CapRead, "GetObject")

	if _, err := p.PresignGetObject(ctx, key, time.Minute); err != nil {
		return rec.fail(CapPresign, "PresignGetObject", err)
	}
	rec.pass(CapPresign, "PresignGetObject")

	if err := p.DeleteObject(ctx, key); err != nil {
		return rec.fail(CapDelete, "DeleteObject", err)
	}
	deleted = true
	rec.pass(CapDelete, "DeleteObject")
	return nil
}

func normalizeErrorCode(err error) string {
	switch {
	case provider.IsAccessDenied(err), provider.IsInvalidCredentials(err):
		return ErrCodeAccessDenied
	case provider.IsBucketNotFound(err), provider.IsNotFound(err):
		return ErrCodeNotFound
	case provider.IsThrottled(err):
		return ErrCodeThrottled
	case provider.IsProviderUnavailable(err):
		return ErrCodeUnavailable
	default:
		return ErrCodeInternal
	}
}

func joinPrefix(prefix, suffix string) string {
	if prefix == "" {
		return strings.TrimPrefix(suffix, "/")
	}
	if strings.HasSuffix(prefix, "/") {
		return prefix + strings.TrimPrefix(suffix, "/")
	}
	return prefix + "/" + strings.TrimPrefix(suffix, "/")
}
