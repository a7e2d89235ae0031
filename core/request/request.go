// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package request defines the canonical query model of the engine and the
// parsers that produce it, from query-string grammars as well as from a
// plain HTTP request.
package request

import (
	"net/http"

	"github.com/relabs-tech/mosaik/core/access"
)

// Operator is a comparison operator of a filter term.
type Operator string

const (
	OpEqual          Operator = "equal"
	OpNotEqual       Operator = "notEqual"
	OpLess           Operator = "less"
	OpLessOrEqual    Operator = "lessOrEqual"
	OpGreater        Operator = "greater"
	OpGreaterOrEqual Operator = "greaterOrEqual"
	OpLike           Operator = "like"

	// range operators have no text grammar form; in-process callers and
	// resource configs use them by name
	OpBetween    Operator = "between"
	OpNotBetween Operator = "notBetween"
)

// Filter is a single comparison over a dotted attribute path. Value is a
// scalar or, for set comparisons, a []interface{}.
type Filter struct {
	Attribute []string    `json:"attribute"`
	Operator  Operator    `json:"operator"`
	Value     interface{} `json:"value"`
}

// FilterDNF is a filter in disjunctive normal form: the outer slice is
// OR-ed, each inner slice is AND-ed.
type FilterDNF [][]Filter

// Order is one sort criterion.
type Order struct {
	Attribute []string `json:"attribute"`
	Direction string   `json:"direction"` // "asc" or "desc"
}

// Select is one node of the selection tree. Options other than Select
// are only valid on sub-resource attributes.
type Select struct {
	Select map[string]*Select `json:"select,omitempty"`
	Filter FilterDNF          `json:"filter,omitempty"`
	Order  []Order            `json:"order,omitempty"`
	Limit  *int               `json:"limit,omitempty"`
	Page   *int               `json:"page,omitempty"`
}

// Request is a fully decoded query, independent of its transport.
type Request struct {
	Resource string             `json:"resource"`
	ID       string             `json:"id,omitempty"`
	Action   string             `json:"action,omitempty"` // default "retrieve"
	Format   string             `json:"format,omitempty"` // default "json"
	Select   map[string]*Select `json:"select,omitempty"`
	Filter   FilterDNF          `json:"filter,omitempty"`
	Order    []Order            `json:"order,omitempty"`
	Limit    *int               `json:"limit,omitempty"`
	Page     *int               `json:"page,omitempty"`
	Search   string             `json:"search,omitempty"`
	Data     interface{}        `json:"data,omitempty"`

	// Options holds query parameters that are not part of the engine
	// grammar. Adapters and extensions may interpret them.
	Options map[string]string `json:"options,omitempty"`

	// HTTP is the originating http request, nil for in-process calls.
	// Custom actions may inspect it.
	HTTP *http.Request `json:"-"`

	// Auth carries transport authentication state, nil when the caller
	// is not authenticated. It is never client-settable.
	Auth *access.Authorization `json:"-"`
}

// New returns a retrieve request for the named resource.
func New(resource string) *Request {
	return &Request{
		Resource: resource,
		Action:   "retrieve",
		Format:   "json",
		Options:  map[string]string{},
	}
}

// SingleItem reports whether the request addresses one item by id.
func (r *Request) SingleItem() bool {
	return r.ID != ""
}

// Path serializes resource, id and format back into the URL form they
// were parsed from. Parsing a legal path and serializing it again is the
// identity.
func (r *Request) Path() string {
	p := "/" + r.Resource + "/" + r.ID
	if r.Format != "" && r.Format != "json" {
		p += "." + r.Format
	}
	return p
}
