// Package delivery persists or offers an exported artifact to the user.
//
// A native shell gets the file written to its media directory. A web client
// gets a short-lived download URL that is revoked shortly after it was
// handed out. Deliverers report failure through Outcome and never panic.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/typenote/artifact"
	"github.com/hazyhaar/typenote/capability"
)

// Outcome is the result of one delivery.
type Outcome struct {
	Delivered bool
	// Location is where the artifact can be found: a file path or a
	// download URL.
	Location string
	Err      error
}

// Deliverer hands an artifact to the user.
type Deliverer interface {
	Deliver(ctx context.Context, a *artifact.Artifact) Outcome
}

// ErrDeliveryFailed reports that the artifact was produced but could not be
// persisted or offered. Delivery may be retried without re-rendering.
type ErrDeliveryFailed struct {
	Target   string
	FileName string
	Cause    error
}

func (e *ErrDeliveryFailed) Error() string {
	return fmt.Sprintf("delivery: %s: %s: %v", e.Target, e.FileName, e.Cause)
}

func (e *ErrDeliveryFailed) Unwrap() error { return e.Cause }

func failed(target string, a *artifact.Artifact, err error) Outcome {
	name := ""
	if a != nil {
		name = a.FileName
	}
	return Outcome{Err: &ErrDeliveryFailed{Target: target, FileName: name, Cause: err}}
}

// guard runs fn and turns a panic into a failed Outcome.
func guard(target string, a *artifact.Artifact, fn func() Outcome) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = failed(target, a, fmt.Errorf("panic: %v", r))
		}
	}()
	if a == nil || len(a.Blob.Data) == 0 {
		return failed(target, a, fmt.Errorf("empty artifact"))
	}
	return fn()
}

// Router picks the deliverer matching the render strategy and mirrors the
// artifact to any extra deliverers. Mirrors run in the background under
// their own deadline: the primary Location is returned without waiting for
// them, and their failures are logged only.
type Router struct {
	native        Deliverer
	web           Deliverer
	mirrors       []Deliverer
	mirrorTimeout time.Duration
	logger        *slog.Logger
	wg            sync.WaitGroup
}

// DefaultMirrorTimeout bounds one background mirror delivery.
const DefaultMirrorTimeout = 2 * time.Minute

// NewRouter creates a Router delivering native-shell exports to native and
// every other export to web.
func NewRouter(logger *slog.Logger, native, web Deliverer, mirrors ...Deliverer) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{native: native, web: web, mirrors: mirrors, mirrorTimeout: DefaultMirrorTimeout, logger: logger}
}

// SetMirrorTimeout changes the deadline of each background mirror delivery.
func (r *Router) SetMirrorTimeout(d time.Duration) {
	if d > 0 {
		r.mirrorTimeout = d
	}
}

// ForStrategy returns the primary deliverer for s.
func (r *Router) ForStrategy(s capability.Strategy) Deliverer {
	if s == capability.NativeShellCapture && r.native != nil {
		return r.native
	}
	return r.web
}

// DeliverFor delivers a for a client classified as s. It returns as soon as
// the primary deliverer is done.
func (r *Router) DeliverFor(ctx context.Context, s capability.Strategy, a *artifact.Artifact) Outcome {
	d := r.ForStrategy(s)
	if d == nil {
		return failed("router", a, fmt.Errorf("no deliverer for %s", s))
	}
	out := d.Deliver(ctx, a)

	// The export's deadline must not cut mirrors short, nor mirrors delay it.
	base := context.WithoutCancel(ctx)
	for _, m := range r.mirrors {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			mctx, cancel := context.WithTimeout(base, r.mirrorTimeout)
			defer cancel()
			if mo := m.Deliver(mctx, a); mo.Err != nil {
				r.logger.Warn("delivery: mirror failed", "error", mo.Err)
			}
		}()
	}
	return out
}

// Close waits for in-flight mirror deliveries.
func (r *Router) Close() error {
	r.wg.Wait()
	return nil
}
