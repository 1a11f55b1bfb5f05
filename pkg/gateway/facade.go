// Package gateway exposes the single entry point an HTTP/SSE front end
// needs: acquire a healthy backend for a model, and release it when the
// request is done, with release guaranteed on every return path.
package gateway

import (
	"context"

	"github.com/llmgateway/scheduler/pkg/scheduler"
)

// Facade funnels concurrent requests through a Scheduler.
type Facade struct {
	scheduler *scheduler.Scheduler
}

// New wraps sched in a Facade.
func New(sched *scheduler.Scheduler) *Facade {
	return &Facade{scheduler: sched}
}

// WithBackend acquires a healthy backend for modelName, invokes fn with its
// endpoint, and releases the lease regardless of whether fn returns an
// error or ctx is cancelled while fn runs.
func (f *Facade) WithBackend(ctx context.Context, modelName string, fn func(ctx context.Context, endpoint scheduler.Endpoint) error) error {
	endpoint, token, err := f.scheduler.AcquireBackend(ctx, modelName)
	if err != nil {
		return err
	}
	defer f.scheduler.Release(token)

	return fn(ctx, endpoint)
}
