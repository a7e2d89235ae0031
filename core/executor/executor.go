// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package executor walks a data-source tree and collects raw results.

The walk is depth first: a node's sub-filters run before the node
itself, the node before its sub-requests. Sibling sub-requests and
sibling sub-filters run concurrently; an error anywhere cancels all
outstanding work and discards partial results.
*/
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/logger"
	"github.com/relabs-tech/mosaik/core/plan"
)

// Executor dispatches plan nodes to the registered adapters.
type Executor struct {
	registry *datasource.Registry

	// Parallelism caps the number of concurrently running adapter
	// calls per request. Zero means a default of 8.
	Parallelism int
}

// New returns an executor using the given adapter registry.
func New(registry *datasource.Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute runs the whole tree and returns the flat raw results. Every
// adapter's Prepare is called for every node before any Process call;
// prepare errors are fatal upfront.
func (e *Executor) Execute(ctx context.Context, root *plan.Node) ([]*datasource.RawResult, error) {
	if err := e.prepare(ctx, root); err != nil {
		return nil, err
	}

	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = 8
	}
	run := &execution{
		executor: e,
		slots:    make(chan struct{}, parallelism),
	}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return run.node(ctx, root)
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return run.results, nil
}

// prepare walks the tree synchronously and lets every adapter compile
// its request before any I/O happens.
func (e *Executor) prepare(ctx context.Context, root *plan.Node) error {
	return root.Walk(func(n *plan.Node) error {
		adapter, err := e.registry.Get(n.DataSourceType)
		if err != nil {
			return err
		}
		if err := adapter.Prepare(ctx, n.Request); err != nil {
			return errs.NewAdapter(n.DataSourceName, fmt.Errorf("prepare %s: %w", n.Path(), err))
		}
		return nil
	})
}

type execution struct {
	executor *Executor
	slots    chan struct{}

	mu      sync.Mutex
	results []*datasource.RawResult
}

// node executes one plan node: its sub-filters first, then the node's
// own request, then its sub-requests fed with the parent key values.
func (run *execution) node(ctx context.Context, n *plan.Node) error {
	req := n.Request
	if len(n.SubFilters) > 0 {
		req = req.Clone()
		values, err := run.subFilterValues(ctx, n)
		if err != nil {
			return err
		}
		substitute(req, func(f *datasource.Filter) {
			if f.ValueFromSubFilter >= 0 {
				f.Value = values[f.ValueFromSubFilter]
				f.ValueFromSubFilter = -1
			}
		})
	}

	result, err := run.process(ctx, n, req)
	if err != nil {
		return err
	}
	run.record(n, result)
	return run.subRequests(ctx, n, result.Data)
}

// subFilterValues runs all sub-filter trees of a node concurrently and
// returns the child-key value set of each, indexed like the
// ValueFromSubFilter placeholders.
func (run *execution) subFilterValues(ctx context.Context, n *plan.Node) ([]interface{}, error) {
	values := make([]interface{}, len(n.SubFilters))
	group, ctx := errgroup.WithContext(ctx)
	for i, sf := range n.SubFilters {
		i, sf := i, sf
		group.Go(func() error {
			result, err := run.subFilterResult(ctx, sf)
			if err != nil {
				return err
			}
			values[i] = keyValues(result, sf.ChildKey, false, "")
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// subFilterResult executes one sub-filter node. Its results stay
// internal to the execution, they never reach the result builder.
func (run *execution) subFilterResult(ctx context.Context, n *plan.Node) (*datasource.Result, error) {
	req := n.Request
	if len(n.SubFilters) > 0 {
		req = req.Clone()
		values, err := run.subFilterValues(ctx, n)
		if err != nil {
			return nil, err
		}
		substitute(req, func(f *datasource.Filter) {
			if f.ValueFromSubFilter >= 0 {
				f.Value = values[f.ValueFromSubFilter]
				f.ValueFromSubFilter = -1
			}
		})
	}
	if emptyKeySet(req) {
		return &datasource.Result{}, nil
	}
	return run.process(ctx, n, req)
}

// subRequests feeds the parent rows' key values into each child and
// recurses, siblings in parallel.
func (run *execution) subRequests(ctx context.Context, n *plan.Node, rows []datasource.Row) error {
	if len(n.SubRequests) == 0 {
		return nil
	}
	group, ctx := errgroup.WithContext(ctx)
	for _, sub := range n.SubRequests {
		sub := sub
		group.Go(func() error {
			values := keyValues(&datasource.Result{Data: rows}, sub.ParentKey, sub.MultiValuedParentKey, sub.Delimiter)
			if isEmptyValueSet(values) {
				// nothing to join; the builder still relies on the
				// results being present
				run.recordEmpty(sub)
				return nil
			}
			child := *sub
			child.Request = sub.Request.Clone()
			substitute(child.Request, func(f *datasource.Filter) {
				if f.ValueFromParentKey {
					f.Value = values
					f.ValueFromParentKey = false
				}
			})
			return run.node(ctx, &child)
		})
	}
	return group.Wait()
}

// process runs one adapter call under the parallelism cap.
func (run *execution) process(ctx context.Context, n *plan.Node, req *datasource.Request) (*datasource.Result, error) {
	select {
	case run.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-run.slots }()

	adapter, err := run.executor.registry.Get(n.DataSourceType)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debugf("datasource %s: processing %s", n.DataSourceName, n.Path())
	result, err := adapter.Process(ctx, req)
	if err != nil {
		return nil, errs.NewAdapter(n.DataSourceName, fmt.Errorf("process %s: %w", n.Path(), err))
	}
	if result == nil {
		result = &datasource.Result{}
	}
	return result, nil
}

func (run *execution) record(n *plan.Node, result *datasource.Result) {
	raw := &datasource.RawResult{
		AttributePath:        n.AttributePath,
		DataSourceName:       n.DataSourceName,
		Data:                 result.Data,
		TotalCount:           result.TotalCount,
		ParentKey:            n.ParentKey,
		ChildKey:             n.ChildKey,
		UniqueChildKey:       n.UniqueChildKey,
		MultiValuedParentKey: n.MultiValuedParentKey,
		Delimiter:            n.Delimiter,
	}
	run.mu.Lock()
	run.results = append(run.results, raw)
	run.mu.Unlock()
}

// recordEmpty records empty results for a node and all its joined
// descendants.
func (run *execution) recordEmpty(n *plan.Node) {
	run.record(n, &datasource.Result{})
	for _, sub := range n.SubRequests {
		run.recordEmpty(sub)
	}
}

// substitute applies fn to every filter entry of the request.
func substitute(req *datasource.Request, fn func(*datasource.Filter)) {
	for _, group := range req.Filter {
		for i := range group {
			fn(&group[i])
		}
	}
}

// emptyKeySet reports whether a substituted request filters on an empty
// key set in every OR group, which can never match.
func emptyKeySet(req *datasource.Request) bool {
	if len(req.Filter) == 0 {
		return false
	}
	for _, group := range req.Filter {
		groupEmpty := false
		for _, f := range group {
			if isEmptyValueSet(f.Value) && !f.ValueFromParentKey && f.ValueFromSubFilter < 0 {
				groupEmpty = true
				break
			}
		}
		if !groupEmpty {
			return false
		}
	}
	return true
}

func isEmptyValueSet(value interface{}) bool {
	switch t := value.(type) {
	case []interface{}:
		return len(t) == 0
	case [][]interface{}:
		return len(t) == 0
	}
	return false
}

// keyValues extracts the deduplicated values of the key columns from a
// result. Single-column keys produce a flat value set, composite keys a
// tuple set. Multi-valued parent keys are split on the delimiter first.
func keyValues(result *datasource.Result, columns []string, multiValued bool, delimiter string) interface{} {
	if len(columns) == 1 {
		var values []interface{}
		seen := map[string]bool{}
		for _, row := range result.Data {
			value, ok := row[columns[0]]
			if !ok || value == nil {
				continue
			}
			if multiValued {
				for _, part := range splitMultiValue(value, delimiter) {
					if key := fmt.Sprint(part); !seen[key] {
						seen[key] = true
						values = append(values, part)
					}
				}
				continue
			}
			if key := fmt.Sprint(value); !seen[key] {
				seen[key] = true
				values = append(values, value)
			}
		}
		if values == nil {
			values = []interface{}{}
		}
		return values
	}

	tuples := [][]interface{}{}
	seen := map[string]bool{}
	for _, row := range result.Data {
		tuple := make([]interface{}, len(columns))
		complete := true
		parts := make([]string, len(columns))
		for i, column := range columns {
			value, ok := row[column]
			if !ok || value == nil {
				complete = false
				break
			}
			tuple[i] = value
			parts[i] = fmt.Sprint(value)
		}
		if !complete {
			continue
		}
		if key := strings.Join(parts, "\x00"); !seen[key] {
			seen[key] = true
			tuples = append(tuples, tuple)
		}
	}
	return tuples
}

func splitMultiValue(value interface{}, delimiter string) []interface{} {
	s, ok := value.(string)
	if !ok {
		return []interface{}{value}
	}
	if delimiter == "" {
		delimiter = ","
	}
	var parts []interface{}
	for _, part := range strings.Split(s, delimiter) {
		part = strings.TrimSpace(part)
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
