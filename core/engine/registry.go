package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrymomot/taskforge/core/task"
	"github.com/dmitrymomot/taskforge/core/worker"
)

var (
	ErrHandlerNotRegistered     = errors.New("no handler registered for task type")
	ErrHandlerAlreadyRegistered = errors.New("handler already registered for task type")
	ErrNilHandlerFunc           = errors.New("handler function cannot be nil")
)

// TaskHandlerFunc is a type-safe handler for payloads of type T. The task
// type identifier is derived from T's qualified name.
type TaskHandlerFunc[T any] func(ctx context.Context, payload T) error

// HandlerFactory builds a fresh handler for one execution. Eager strategy
// calls it at dispatch time, lazy at pickup time. The returned release
// func (may be nil) disposes the handler afterwards.
type HandlerFactory func(ctx context.Context) (worker.Handler, worker.ReleaseFunc, error)

// registration binds a task type to its handler factory and per-handler
// execution policy.
type registration struct {
	typeID    string
	handlerID string
	queueName string
	timeout   time.Duration
	retry     worker.RetryPolicy
	callbacks worker.Callbacks
	factory   HandlerFactory
}

// HandlerOption customizes one handler registration.
type HandlerOption func(*registration)

// WithHandlerQueue routes this handler's tasks to a named queue. The
// handler's queue takes precedence over the queue named at dispatch.
func WithHandlerQueue(name string) HandlerOption {
	return func(r *registration) { r.queueName = name }
}

// WithHandlerTimeout bounds each execution attempt.
func WithHandlerTimeout(d time.Duration) HandlerOption {
	return func(r *registration) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithHandlerRetry overrides the default linear retry policy.
func WithHandlerRetry(p worker.RetryPolicy) HandlerOption {
	return func(r *registration) {
		if p != nil {
			r.retry = p
		}
	}
}

// WithHandlerCallbacks attaches lifecycle hooks to every execution of this
// handler.
func WithHandlerCallbacks(cb worker.Callbacks) HandlerOption {
	return func(r *registration) { r.callbacks = cb }
}

// WithHandlerID overrides the stored handler identifier, which defaults to
// the task type name.
func WithHandlerID(id string) HandlerOption {
	return func(r *registration) { r.handlerID = id }
}

// registry maps task type identifiers to registrations.
type registry struct {
	mu sync.RWMutex
	m  map[string]*registration
}

func newRegistry() *registry {
	return &registry{m: make(map[string]*registration)}
}

func (r *registry) add(reg *registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[reg.typeID]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, reg.typeID)
	}
	r.m[reg.typeID] = reg
	return nil
}

func (r *registry) lookup(typeID string) (*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.m[typeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, typeID)
	}
	return reg, nil
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// RegisterHandler registers a type-safe handler with the engine. The task
// type identifier is derived from T, so dispatching a value of T routes to
// fn without further configuration.
func RegisterHandler[T any](e *Engine, fn TaskHandlerFunc[T], opts ...HandlerOption) error {
	if fn == nil {
		return ErrNilHandlerFunc
	}
	var zero T
	typeID := qualifiedTypeName(zero)
	if len(typeID) > task.MaxTypeLen {
		return task.ErrTypeTooLong
	}

	reg := &registration{
		typeID:    typeID,
		handlerID: typeID,
		retry:     worker.DefaultRetryPolicy(),
		factory: func(context.Context) (worker.Handler, worker.ReleaseFunc, error) {
			h := worker.HandlerFunc(func(ctx context.Context, payload json.RawMessage) error {
				var p T
				if len(payload) > 0 {
					if err := json.Unmarshal(payload, &p); err != nil {
						return fmt.Errorf("failed to unmarshal payload for %s: %w", typeID, err)
					}
				}
				return fn(ctx, p)
			})
			return h, nil, nil
		},
	}
	for _, opt := range opts {
		opt(reg)
	}
	if len(reg.handlerID) > task.MaxHandlerLen {
		return task.ErrHandlerTooLong
	}
	return e.registry.add(reg)
}

// RegisterFactory registers a raw handler factory under an explicit type
// identifier, for handlers that manage their own payload decoding or hold
// releasable resources.
func RegisterFactory(e *Engine, typeID string, factory HandlerFactory, opts ...HandlerOption) error {
	if factory == nil {
		return ErrNilHandlerFunc
	}
	if typeID == "" {
		return task.ErrTypeMissing
	}
	if len(typeID) > task.MaxTypeLen {
		return task.ErrTypeTooLong
	}
	reg := &registration{
		typeID:    typeID,
		handlerID: typeID,
		retry:     worker.DefaultRetryPolicy(),
		factory:   factory,
	}
	for _, opt := range opts {
		opt(reg)
	}
	if len(reg.handlerID) > task.MaxHandlerLen {
		return task.ErrHandlerTooLong
	}
	return e.registry.add(reg)
}

// qualifiedTypeName derives the task type identifier from a payload value,
// e.g. "mypkg.EmailPayload".
func qualifiedTypeName(v any) string {
	s := fmt.Sprintf("%T", v)
	return strings.TrimLeft(s, "*")
}
