// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package datasource

import (
	"context"
	"sync"

	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/logger"
)

// Registry holds the adapter instances by datasource type name. It is
// populated during API initialization and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]DataSource
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]DataSource{}}
}

// Register adds an adapter under its type name. The adapter must
// implement DataSource or the legacy CallbackDataSource contract.
func (r *Registry) Register(typeName string, adapter interface{}) error {
	var ds DataSource
	switch t := adapter.(type) {
	case DataSource:
		ds = t
	case CallbackDataSource:
		ds = &callbackWrapper{typeName: typeName, adapter: t}
	default:
		return errs.NewImplementation("datasource type %s implements neither DataSource nor CallbackDataSource", typeName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[typeName]; ok {
		return errs.NewImplementation("datasource type %s registered twice", typeName)
	}
	r.adapters[typeName] = ds
	return nil
}

// Get returns the adapter for a datasource type name.
func (r *Registry) Get(typeName string) (DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.adapters[typeName]
	if !ok {
		return nil, errs.NewImplementation("no datasource adapter registered for type %s", typeName)
	}
	return ds, nil
}

// Close closes every registered adapter and returns the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, ds := range r.adapters {
		if err := ds.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.adapters = map[string]DataSource{}
	return first
}

// callbackWrapper adapts a legacy callback adapter to the DataSource
// contract. The callbacks run synchronously; cancellation applies
// between calls only, legacy adapters have no cancel hook.
type callbackWrapper struct {
	typeName string
	adapter  CallbackDataSource
	warnOnce sync.Once
}

func (w *callbackWrapper) warn(ctx context.Context) {
	w.warnOnce.Do(func() {
		logger.FromContext(ctx).Warnf("datasource type %s uses the deprecated callback contract", w.typeName)
	})
}

func (w *callbackWrapper) Prepare(ctx context.Context, req *Request) error {
	w.warn(ctx)
	var result error
	done := make(chan struct{})
	w.adapter.Prepare(req, func(err error) {
		result = err
		close(done)
	})
	select {
	case <-done:
		return result
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *callbackWrapper) Process(ctx context.Context, req *Request) (*Result, error) {
	w.warn(ctx)
	var (
		result *Result
		outerr error
	)
	done := make(chan struct{})
	w.adapter.Process(req, func(res *Result, err error) {
		result, outerr = res, err
		close(done)
	})
	select {
	case <-done:
		return result, outerr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *callbackWrapper) Close() error {
	return w.adapter.Close()
}
