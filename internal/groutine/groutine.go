package groutine

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"runtime/pprof"
	"strconv"

	"golang.org/x/sync/errgroup"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a goroutine with a name, optional parent context
// Example usage:
//
//	groutine.Go(ctx, "iadc_task", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetGID returns the numeric goroutine ID (hacky, for debugging).
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return gid
}

// Group runs named goroutines that share a context. The first task to fail cancels
// the others; Wait joins all of them.
//
//	g, ctx := groutine.NewGroup(ctx)
//	g.Go("led_task", indicator.Run)
//	g.Go("bt_event", events.Run)
//	err := g.Wait()
type Group struct {
	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGroup creates a Group and the context its tasks run with.
func NewGroup(parent context.Context) (*Group, context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	base, cancel := context.WithCancel(parent)
	eg, ctx := errgroup.WithContext(base)
	return &Group{eg: eg, ctx: ctx, cancel: cancel}, ctx
}

// Go starts fn as a named task. A returned error or a panic cancels the group.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.eg.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", name, r)
			}
		}()

		pprof.Do(g.ctx, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
			err = fn(context.WithValue(ctx, goroutineNameKey, name))
		})
		return err
	})
}

// Cancel stops all tasks without recording an error.
func (g *Group) Cancel() {
	g.cancel()
}

// Wait blocks until every task has returned and reports the first error.
func (g *Group) Wait() error {
	err := g.eg.Wait()
	g.cancel()
	return err
}
