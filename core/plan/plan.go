// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package plan defines the data-source tree, the physical execution plan
the resolver produces and the executor walks.

Every node is one adapter call. SubRequests are children joined by key
once the parent result is known; SubFilters are independent sibling
trees whose key sets are substituted into the node's own filter.
*/
package plan

import (
	"strings"

	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/errs"
)

// Node is one request of the data-source tree.
type Node struct {
	ResourceName   string
	AttributePath  []string
	DataSourceName string
	DataSourceType string

	Request *datasource.Request

	// join metadata, nil on the root node. ParentKey names physical
	// columns in the parent node's result, ChildKey the matching
	// columns in this node's result. Both have equal length.
	ParentKey            []string
	ChildKey             []string
	UniqueChildKey       bool
	MultiValuedParentKey bool
	Delimiter            string

	SubRequests []*Node
	SubFilters  []*Node
}

// Path returns the dotted attribute path, "(root)" for the root node.
func (n *Node) Path() string {
	if len(n.AttributePath) == 0 {
		return "(root)"
	}
	return strings.Join(n.AttributePath, ".")
}

// Walk calls fn for the node, its sub-filters and its sub-requests,
// depth first. It stops on the first error.
func (n *Node) Walk(fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, sf := range n.SubFilters {
		if err := sf.Walk(fn); err != nil {
			return err
		}
	}
	for _, sr := range n.SubRequests {
		if err := sr.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Verify checks the structural invariants of the tree: key lengths
// match, every projected column carries attribute options, every
// sub-filter placeholder has a matching sibling tree whose projection
// covers the placeholder columns. Violations are implementation errors,
// the resolver must never emit such a tree.
func (n *Node) Verify() error {
	return n.verify(true)
}

func (n *Node) verify(root bool) error {
	if n.Request == nil {
		return errs.NewImplementation("plan node %s has no request", n.Path())
	}
	if !root {
		if len(n.ParentKey) == 0 || len(n.ParentKey) != len(n.ChildKey) {
			return errs.NewImplementation("plan node %s: parentKey %v and childKey %v do not match",
				n.Path(), n.ParentKey, n.ChildKey)
		}
	}
	for _, column := range n.Request.Attributes {
		if _, ok := n.Request.AttributeOptions[column]; !ok {
			return errs.NewImplementation("plan node %s: column %s has no attribute options", n.Path(), column)
		}
	}
	projected := map[string]bool{}
	for _, column := range n.Request.Attributes {
		projected[column] = true
	}
	for _, column := range n.ChildKey {
		if !projected[column] {
			return errs.NewImplementation("plan node %s: childKey column %s is not projected", n.Path(), column)
		}
	}
	for _, group := range n.Request.Filter {
		for _, f := range group {
			if len(f.Columns) == 0 {
				return errs.NewImplementation("plan node %s: filter without columns", n.Path())
			}
			if f.ValueFromSubFilter < 0 {
				continue
			}
			if f.ValueFromSubFilter >= len(n.SubFilters) {
				return errs.NewImplementation("plan node %s: subFilter index %d out of range", n.Path(), f.ValueFromSubFilter)
			}
			sibling := n.SubFilters[f.ValueFromSubFilter]
			if len(sibling.ChildKey) != len(f.Columns) {
				return errs.NewImplementation("plan node %s: subFilter %d projects %d columns, filter expects %d",
					n.Path(), f.ValueFromSubFilter, len(sibling.ChildKey), len(f.Columns))
			}
		}
	}
	for _, sf := range n.SubFilters {
		if err := sf.verify(false); err != nil {
			return err
		}
	}
	for _, sr := range n.SubRequests {
		if err := sr.verify(false); err != nil {
			return err
		}
	}
	return nil
}
