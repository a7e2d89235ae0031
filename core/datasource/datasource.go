// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package datasource defines the adapter contract of the engine.

An adapter services one kind of backend (a SQL database, a search index,
an in-memory fixture set). The engine talks to every adapter through the
same narrow contract: Prepare compiles and validates a request payload
before any data is fetched, Process executes it, Close releases the
adapter's connections. Everything an adapter needs to know about a query
travels in the Request payload; everything it answers travels in the
Result.
*/
package datasource

import (
	"context"

	"github.com/relabs-tech/mosaik/core/request"
)

// Row is one flat backend row, keyed by physical column name.
type Row map[string]interface{}

// Filter is one comparison over physical columns. Columns holds a single
// column for plain comparisons and several for tuple comparisons over
// composite keys.
//
// Exactly one of Value, ValueFromParentKey and ValueFromSubFilter is
// meaningful: a literal value, a placeholder the executor fills with the
// parent rows' key values, or a placeholder filled from the result of
// the sibling sub-filter tree with that index.
type Filter struct {
	Columns            []string
	Operator           request.Operator
	Value              interface{}
	ValueFromParentKey bool
	ValueFromSubFilter int // sibling subFilter index, -1 when unused
}

// DNF is a filter in disjunctive normal form over physical columns: the
// outer slice is OR-ed, each inner slice is AND-ed.
type DNF [][]Filter

// Order is one sort criterion over a physical column.
type Order struct {
	Column    string
	Direction string // "asc" or "desc"
}

// AttributeOption carries per-column metadata for decoding.
type AttributeOption struct {
	Type string // "int", "float", "string", "boolean", "datetime", ...
}

// Request is the payload of one adapter call. Attributes lists the
// physical columns to project, in stable order. Options carries the
// adapter-native part of the datasource declaration (table, database,
// url, ...) untouched by the engine.
type Request struct {
	Attributes       []string
	AttributeOptions map[string]AttributeOption
	Filter           DNF
	Order            []Order
	Limit            *int
	Page             *int

	// LimitPer makes Limit a per-group limit: the adapter returns at
	// most Limit rows per distinct value tuple of these columns.
	LimitPer []string

	// Search is a fulltext query, only sent to datasources declared
	// with fulltextSearch.
	Search string

	Options map[string]interface{}
}

// Clone returns a copy of the request whose filter the executor may fill
// with values without affecting the original.
func (r *Request) Clone() *Request {
	c := *r
	c.Filter = make(DNF, len(r.Filter))
	for i, group := range r.Filter {
		c.Filter[i] = append([]Filter(nil), group...)
	}
	return &c
}

// Result is the answer to one adapter call. TotalCount is nil when the
// adapter cannot count cheaply.
type Result struct {
	Data       []Row
	TotalCount *int
}

// DataSource is the adapter contract. Prepare is called exactly once per
// plan node before any Process call of the request; adapters use it to
// compile and validate their payloads upfront. Implementations must be
// safe for concurrent Process calls.
type DataSource interface {
	Prepare(ctx context.Context, req *Request) error
	Process(ctx context.Context, req *Request) (*Result, error)
	Close() error
}

// CallbackDataSource is the legacy adapter contract where Prepare and
// Process report through callbacks instead of return values. The
// registry wraps such adapters behind the DataSource interface and logs
// a deprecation warning once per adapter.
type CallbackDataSource interface {
	Prepare(req *Request, callback func(error))
	Process(req *Request, callback func(*Result, error))
	Close() error
}

// RawResult is the flat output of one adapter call, annotated with its
// position in the plan so the result builder can link it back into the
// resolved configuration.
type RawResult struct {
	AttributePath  []string
	DataSourceName string
	Data           []Row
	TotalCount     *int

	// join metadata copied from the plan node
	ParentKey            []string
	ChildKey             []string
	UniqueChildKey       bool
	MultiValuedParentKey bool
	Delimiter            string
}
