// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package resolver

import (
	"strings"

	"github.com/mohae/deepcopy"

	"github.com/relabs-tech/mosaik/core/config"
	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/plan"
	"github.com/relabs-tech/mosaik/core/request"
)

// filterBuilder translates one resource's request filter into physical
// form. Terms over local attributes map to columns of the queried
// datasource; terms reaching through a relation either rewrite to a
// local attribute or grow an independent sub-filter tree whose key set
// is substituted at execution time.
type filterBuilder struct {
	r          *resolver
	res        *config.Node
	rootDS     string
	path       []string
	subFilters []*plan.Node
}

func (r *resolver) buildFilter(res *config.Node, dnf request.FilterDNF, path []string) (datasource.DNF, []*plan.Node, error) {
	if len(dnf) == 0 {
		return nil, nil, nil
	}
	fb := &filterBuilder{r: r, res: res, rootDS: res.SelectedDataSource, path: path}
	var out datasource.DNF
	for _, group := range dnf {
		terms := make([]datasource.Filter, 0, len(group))
		for _, term := range group {
			f, err := fb.term(term)
			if err != nil {
				return nil, nil, err
			}
			terms = append(terms, f)
		}
		out = append(out, terms)
	}
	return out, fb.subFilters, nil
}

func (fb *filterBuilder) term(term request.Filter) (datasource.Filter, error) {
	name := strings.Join(term.Attribute, ".")

	// a declared rewrite takes precedence over sub-query planning
	for _, sf := range fb.res.SubFilters {
		if !equalPath(sf.Attribute, term.Attribute) {
			continue
		}
		attr := fb.res.Attribute(sf.RewriteTo)
		if attr == nil {
			return datasource.Filter{}, errs.NewImplementation("resource %s: subFilter rewriteTo %s does not exist",
				fb.res.Name, sf.RewriteTo)
		}
		return fb.localTerm(attr, sf.RewriteTo, term.Operator, term.Value, name)
	}

	// descend through attribute groups until the path ends locally or
	// crosses a relation
	owner := fb.res
	for i, segment := range term.Attribute {
		attr := owner.Attribute(segment)
		if attr == nil {
			return datasource.Filter{}, errs.NewRequest("Unknown attribute %s in filter", name)
		}
		if attr.IsResource() || attr.IsInclude() {
			if i == len(term.Attribute)-1 {
				return datasource.Filter{}, errs.NewRequest("Can not filter by %s", name)
			}
			return fb.relationTerm(attr, term.Attribute[i+1:], term.Operator, term.Value, name)
		}
		if i == len(term.Attribute)-1 {
			return fb.localTerm(attr, segment, term.Operator, term.Value, name)
		}
		owner = attr
	}
	return datasource.Filter{}, errs.NewRequest("Can not filter by %s", name)
}

func (fb *filterBuilder) localTerm(attr *config.Node, attrName string, op request.Operator, value interface{}, name string) (datasource.Filter, error) {
	if len(attr.Filter) == 0 {
		return datasource.Filter{}, errs.NewRequest("Can not filter by %s", name)
	}
	allowed := false
	allowedNames := make([]string, 0, len(attr.Filter))
	for _, candidate := range attr.Filter {
		allowedNames = append(allowedNames, string(candidate))
		if candidate == op {
			allowed = true
		}
	}
	if !allowed {
		return datasource.Filter{}, errs.NewRequest("Can not filter by %s with %s (allowed: %s)",
			name, op, strings.Join(allowedNames, ", "))
	}
	column, ok := attr.Map[fb.rootDS]
	if !ok {
		return datasource.Filter{}, errs.NewRequest("Can not filter by %s", name)
	}
	return datasource.Filter{
		Columns:            []string{column},
		Operator:           op,
		Value:              deepcopy.Copy(value),
		ValueFromSubFilter: -1,
	}, nil
}

// relationTerm plans a sub-filter tree for a term whose path crosses a
// relation. The relation's parent-side key columns get an IN filter fed
// from the sub-tree's child-key values.
func (fb *filterBuilder) relationTerm(rel *config.Node, rest []string, op request.Operator, value interface{}, name string) (datasource.Filter, error) {
	if rel.IsInclude() {
		merged, err := fb.r.substituteInclude(rel, fb.res, []string{fb.res.Name})
		if err != nil {
			return datasource.Filter{}, err
		}
		fb.res.ReplaceAttribute(rel.Name, merged)
		rel = merged
	}
	if rel.MultiValued {
		// a delimited list column cannot host a key-set filter
		return datasource.Filter{}, errs.NewRequest("Can not filter by %s", name)
	}
	if err := fb.r.resolveRelationKeys(fb.res, rel, append(append([]string(nil), fb.path...), rel.Name)); err != nil {
		return datasource.Filter{}, err
	}
	if rel.ParentDataSource != fb.rootDS {
		return datasource.Filter{}, errs.NewRequest("Can not filter by %s", name)
	}

	node, err := fb.r.buildSubFilterTree(fb.res, rel, rest, op, value, append(append([]string(nil), fb.path...), rel.Name))
	if err != nil {
		return datasource.Filter{}, err
	}
	index := len(fb.subFilters)
	fb.subFilters = append(fb.subFilters, node)
	return datasource.Filter{
		Columns:            rel.ResolvedParentKey,
		Operator:           request.OpEqual,
		ValueFromSubFilter: index,
	}, nil
}

// buildSubFilterTree plans the side query answering "which parent keys
// match this foreign predicate". For plain relations that is one node
// over the target resource; joinVia relations get a join-table node fed
// by the target node.
func (r *resolver) buildSubFilterTree(scope, rel *config.Node, rest []string, op request.Operator, value interface{}, path []string) (*plan.Node, error) {
	if rel.SelectedDataSource == "" {
		rel.SelectedDataSource = rel.PrimaryDataSource
	}
	primary := rel.PrimaryDataSource
	ds := rel.DataSources[primary]
	childColumns, err := config.MapKey(rel, rel.ChildKey, primary)
	if err != nil {
		return nil, err
	}

	innerDNF, innerSubs, err := r.buildFilter(rel, request.FilterDNF{{request.Filter{
		Attribute: rest,
		Operator:  op,
		Value:     value,
	}}}, path)
	if err != nil {
		return nil, err
	}

	target := &plan.Node{
		ResourceName:   rel.Name,
		AttributePath:  path,
		DataSourceName: primary,
		DataSourceType: ds.Type,
		Request: &datasource.Request{
			Attributes:       append([]string(nil), childColumns...),
			AttributeOptions: keyAttributeOptions(rel, rel.ChildKey, childColumns),
			Filter:           innerDNF,
			Options:          copyOptions(ds.Options),
		},
		ParentKey:      rel.ResolvedParentKey,
		ChildKey:       childColumns,
		UniqueChildKey: !rel.Many,
		SubFilters:     innerSubs,
	}

	if rel.JoinVia == "" {
		return target, nil
	}

	join := rel.DataSources[rel.JoinVia]
	flatParent := len(flatKey(rel.ParentKey))
	flatChild := len(flatKey(rel.ChildKey))
	if len(join.JoinParentKey) != flatParent || len(join.JoinChildKey) != flatChild {
		return nil, errs.NewImplementation("resource %s: joinVia datasource %s key columns do not match the relation keys",
			rel.Name, rel.JoinVia)
	}

	// the join table is filtered by the target's keys and feeds the
	// parent with its parent-side columns
	target.ParentKey = join.JoinChildKey
	target.UniqueChildKey = true
	joinOptions := keyAttributeOptions(scope, rel.ParentKey, join.JoinParentKey)
	for column, opt := range keyAttributeOptions(rel, rel.ChildKey, join.JoinChildKey) {
		joinOptions[column] = opt
	}
	return &plan.Node{
		ResourceName:   rel.Name,
		AttributePath:  path,
		DataSourceName: rel.JoinVia,
		DataSourceType: join.Type,
		Request: &datasource.Request{
			Attributes:       append([]string(nil), join.JoinParentKey...),
			AttributeOptions: joinOptions,
			Filter: datasource.DNF{{datasource.Filter{
				Columns:            join.JoinChildKey,
				Operator:           request.OpEqual,
				ValueFromSubFilter: 0,
			}}},
			Options: copyOptions(join.Options),
		},
		ParentKey:  rel.ResolvedParentKey,
		ChildKey:   join.JoinParentKey,
		SubFilters: []*plan.Node{target},
	}, nil
}

func equalPath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
