package appctx

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/3leaps/stillpoint/pkg/breaker"
)

const healthProbeKey = ".stillpoint-health"

// StorageChecker probes the object store with a HEAD on a fixed key. A
// missing key is healthy.
type StorageChecker struct{ ctx *Context }

func (c StorageChecker) CheckHealth(ctx context.Context) error {
	_, err := c.ctx.Store.Exists(ctx, healthProbeKey)
	return err
}

// BreakerChecker reports unhealthy while any dependency breaker is open.
type BreakerChecker struct{ ctx *Context }

func (c BreakerChecker) CheckHealth(ctx context.Context) error {
	var open []string
	for name, state := range c.ctx.Breakers.Snapshot() {
		if state == breaker.StateOpen {
			open = append(open, name)
		}
	}
	if len(open) == 0 {
		return nil
	}
	sort.Strings(open)
	return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
}

// HealthChecker is one named probe.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Checkers returns the health checks for this context keyed by name.
func (a *Context) Checkers() map[string]HealthChecker {
	return map[string]HealthChecker{
		"storage":  StorageChecker{ctx: a},
		"breakers": BreakerChecker{ctx: a},
	}
}
