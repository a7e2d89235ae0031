// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package resolver

import (
	"sort"
	"strconv"
	"strings"

	"github.com/relabs-tech/mosaik/core/config"
	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/plan"
	"github.com/relabs-tech/mosaik/core/request"
)

// columnSet is an ordered, deduplicated physical projection.
type columnSet struct {
	order   []string
	options map[string]datasource.AttributeOption
}

func newColumnSet() *columnSet {
	return &columnSet{options: map[string]datasource.AttributeOption{}}
}

func (c *columnSet) add(column, typ string) {
	if _, ok := c.options[column]; ok {
		return
	}
	c.order = append(c.order, column)
	c.options[column] = datasource.AttributeOption{Type: typ}
}

// subResourceRef is a selected sub-resource and its attribute path from
// the enclosing resource's plan root.
type subResourceRef struct {
	node *config.Node
	path []string
}

// buildResourcePlan turns one selected resource node into its plan
// subtree: the request against the chosen datasource, one secondary
// request per additionally selected datasource, and one joined subtree
// per selected sub-resource.
func (r *resolver) buildResourcePlan(res *config.Node, path []string, isRoot bool) (*plan.Node, error) {
	opts := res.RequestOptions
	rootDS := res.SelectedDataSource
	ds := res.DataSources[rootDS]
	pkColumns := res.ResolvedPrimaryKey[rootDS]

	perDS := map[string]*columnSet{}
	var subs []subResourceRef
	collectSelection(res, path, perDS, &subs)

	rootColumns := newColumnSet()
	for i, name := range res.FlatPrimaryKey() {
		rootColumns.add(pkColumns[i], res.Attribute(name).Type)
	}
	if local, ok := perDS[rootDS]; ok {
		for _, column := range local.order {
			rootColumns.add(column, local.options[column].Type)
		}
	}

	filterDNF, subFilters, err := r.buildFilter(res, opts.Filter, path)
	if err != nil {
		return nil, err
	}
	if isRoot && r.req.SingleItem() {
		idTerm, err := r.idFilter(res)
		if err != nil {
			return nil, err
		}
		filterDNF = andMerge(filterDNF, idTerm)
	}

	var orderList []datasource.Order
	for _, order := range opts.Order {
		attr := resolveLocalPath(res, order.Attribute)
		column, ok := attr.Map[rootDS]
		if !ok {
			return nil, errs.NewRequest("Can not order by %s", strings.Join(order.Attribute, "."))
		}
		orderList = append(orderList, datasource.Order{Column: column, Direction: order.Direction})
	}

	search := ""
	if isRoot {
		search = r.req.Search
	}
	node := &plan.Node{
		ResourceName:   res.Name,
		AttributePath:  path,
		DataSourceName: rootDS,
		DataSourceType: ds.Type,
		Request: &datasource.Request{
			Attributes:       rootColumns.order,
			AttributeOptions: rootColumns.options,
			Filter:           filterDNF,
			Order:            orderList,
			Limit:            opts.Limit,
			Page:             opts.Page,
			Search:           search,
			Options:          copyOptions(ds.Options),
		},
		SubFilters: subFilters,
	}

	// one secondary request per additional datasource, joined by the
	// resolved primary key
	secondaries := map[string]*plan.Node{}
	getSecondary := func(dsName string) (*plan.Node, error) {
		if secondary, ok := secondaries[dsName]; ok {
			return secondary, nil
		}
		childKey, ok := res.ResolvedPrimaryKey[dsName]
		if !ok {
			return nil, errs.NewImplementation("resource %s: primary key is not mapped in datasource %s",
				res.Name, dsName)
		}
		secondaryDS := res.DataSources[dsName]
		secondary := &plan.Node{
			ResourceName:   res.Name,
			AttributePath:  path,
			DataSourceName: dsName,
			DataSourceType: secondaryDS.Type,
			Request: &datasource.Request{
				AttributeOptions: map[string]datasource.AttributeOption{},
				Filter: datasource.DNF{{datasource.Filter{
					Columns:            childKey,
					Operator:           request.OpEqual,
					ValueFromParentKey: true,
					ValueFromSubFilter: -1,
				}}},
				Options: copyOptions(secondaryDS.Options),
			},
			ParentKey:      pkColumns,
			ChildKey:       childKey,
			UniqueChildKey: true,
		}
		for i, name := range res.FlatPrimaryKey() {
			addColumn(secondary.Request, childKey[i], res.Attribute(name).Type)
		}
		secondaries[dsName] = secondary
		node.SubRequests = append(node.SubRequests, secondary)
		return secondary, nil
	}

	var secondaryNames []string
	for dsName := range perDS {
		if dsName != rootDS {
			secondaryNames = append(secondaryNames, dsName)
		}
	}
	sort.Strings(secondaryNames)
	for _, dsName := range secondaryNames {
		secondary, err := getSecondary(dsName)
		if err != nil {
			return nil, err
		}
		set := perDS[dsName]
		for _, column := range set.order {
			addColumn(secondary.Request, column, set.options[column].Type)
		}
	}

	for _, sub := range subs {
		if err := r.attachSubResource(res, node, getSecondary, sub); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// attachSubResource plans a selected sub-resource and hangs its subtree
// under the plan node of the datasource owning the parent key.
func (r *resolver) attachSubResource(res *config.Node, node *plan.Node, getSecondary func(string) (*plan.Node, error), sub subResourceRef) error {
	S := sub.node
	child, err := r.buildResourcePlan(S, sub.path, false)
	if err != nil {
		return err
	}

	childKey := S.ResolvedChildKey
	for i, name := range flatKey(S.ChildKey) {
		addColumn(child.Request, childKey[i], S.Attribute(name).Type)
	}

	joined := child
	if S.JoinVia == "" {
		child.ParentKey = S.ResolvedParentKey
		child.ChildKey = childKey
		child.UniqueChildKey = !S.Many
		child.MultiValuedParentKey = S.MultiValued
		child.Delimiter = S.Delimiter
		child.Request.Filter = andMerge(child.Request.Filter, datasource.Filter{
			Columns:            childKey,
			Operator:           request.OpEqual,
			ValueFromParentKey: true,
			ValueFromSubFilter: -1,
		})
		if S.Many && child.Request.Limit != nil {
			child.Request.LimitPer = childKey
		}
	} else {
		join := S.DataSources[S.JoinVia]
		if len(join.JoinParentKey) != len(S.ResolvedParentKey) || len(join.JoinChildKey) != len(childKey) {
			return errs.NewImplementation("resource %s: joinVia datasource %s key columns do not match the relation keys",
				S.Name, S.JoinVia)
		}
		joinColumns := newColumnSet()
		for i, name := range flatKey(S.ParentKey) {
			joinColumns.add(join.JoinParentKey[i], res.Attribute(name).Type)
		}
		for i, name := range flatKey(S.ChildKey) {
			joinColumns.add(join.JoinChildKey[i], S.Attribute(name).Type)
		}
		joinNode := &plan.Node{
			ResourceName:   S.Name,
			AttributePath:  sub.path,
			DataSourceName: S.JoinVia,
			DataSourceType: join.Type,
			Request: &datasource.Request{
				Attributes:       joinColumns.order,
				AttributeOptions: joinColumns.options,
				Filter: datasource.DNF{{datasource.Filter{
					Columns:            join.JoinParentKey,
					Operator:           request.OpEqual,
					ValueFromParentKey: true,
					ValueFromSubFilter: -1,
				}}},
				Options: copyOptions(join.Options),
			},
			ParentKey:   S.ResolvedParentKey,
			ChildKey:    join.JoinParentKey,
			SubRequests: []*plan.Node{child},
		}
		child.ParentKey = join.JoinChildKey
		child.ChildKey = childKey
		child.UniqueChildKey = true
		child.Request.Filter = andMerge(child.Request.Filter, datasource.Filter{
			Columns:            childKey,
			Operator:           request.OpEqual,
			ValueFromParentKey: true,
			ValueFromSubFilter: -1,
		})
		// a per-parent limit caps join rows, not target rows
		if child.Request.Limit != nil {
			joinNode.Request.Limit = child.Request.Limit
			joinNode.Request.LimitPer = join.JoinParentKey
			child.Request.Limit = nil
			child.Request.Page = nil
		}
		joined = joinNode
	}

	// the owning parent request must project the parent-side columns
	parentNode := node
	if S.ParentDataSource != node.DataSourceName {
		parentNode, err = getSecondary(S.ParentDataSource)
		if err != nil {
			return err
		}
	}
	for i, name := range flatKey(S.ParentKey) {
		addColumn(parentNode.Request, S.ResolvedParentKey[i], res.Attribute(name).Type)
	}
	parentNode.SubRequests = append(parentNode.SubRequests, joined)
	return nil
}

// collectSelection gathers the selected leaf columns per datasource and
// the selected sub-resources, in declaration order.
func collectSelection(owner *config.Node, path []string, perDS map[string]*columnSet, subs *[]subResourceRef) {
	for _, attr := range owner.Attributes {
		if !attr.Selected {
			continue
		}
		switch {
		case attr.IsResource():
			*subs = append(*subs, subResourceRef{node: attr, path: append(append([]string(nil), path...), attr.Name)})
		case attr.IsInclude():
			// an unsubstituted include was never selected
		case attr.HasValue:
			// static values never hit a datasource
		case attr.IsLeaf():
			dsName := attr.SelectedDataSource
			if dsName == "" {
				continue
			}
			set, ok := perDS[dsName]
			if !ok {
				set = newColumnSet()
				perDS[dsName] = set
			}
			set.add(attr.Map[dsName], attr.Type)
		default:
			collectSelection(attr, append(append([]string(nil), path...), attr.Name), perDS, subs)
		}
	}
}

// idFilter builds the primary key comparison for a single-item request
// from the first key group.
func (r *resolver) idFilter(res *config.Node) (datasource.Filter, error) {
	group := res.PrimaryKey[0]
	columns, err := config.MapKey(res, [][]string{group}, res.SelectedDataSource)
	if err != nil {
		return datasource.Filter{}, err
	}
	if len(group) == 1 {
		value, err := coerceScalar(res.Attribute(group[0]).Type, r.req.ID)
		if err != nil {
			return datasource.Filter{}, errs.NewRequest("Invalid id %q", r.req.ID)
		}
		return datasource.Filter{
			Columns:            columns,
			Operator:           request.OpEqual,
			Value:              value,
			ValueFromSubFilter: -1,
		}, nil
	}
	parts := strings.Split(r.req.ID, "-")
	if len(parts) != len(group) {
		return datasource.Filter{}, errs.NewRequest("Invalid id %q", r.req.ID)
	}
	tuple := make([]interface{}, len(parts))
	for i, part := range parts {
		value, err := coerceScalar(res.Attribute(group[i]).Type, part)
		if err != nil {
			return datasource.Filter{}, errs.NewRequest("Invalid id %q", r.req.ID)
		}
		tuple[i] = value
	}
	return datasource.Filter{
		Columns:            columns,
		Operator:           request.OpEqual,
		Value:              [][]interface{}{tuple},
		ValueFromSubFilter: -1,
	}, nil
}

// andMerge conjoins one term into every OR group of a filter.
func andMerge(dnf datasource.DNF, term datasource.Filter) datasource.DNF {
	if len(dnf) == 0 {
		return datasource.DNF{{term}}
	}
	for i := range dnf {
		dnf[i] = append(dnf[i], term)
	}
	return dnf
}

func addColumn(req *datasource.Request, column, typ string) {
	if _, ok := req.AttributeOptions[column]; ok {
		return
	}
	req.Attributes = append(req.Attributes, column)
	req.AttributeOptions[column] = datasource.AttributeOption{Type: typ}
}

func copyOptions(options map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(options))
	for k, v := range options {
		result[k] = v
	}
	return result
}

func flatKey(groups [][]string) []string {
	var flat []string
	for _, group := range groups {
		flat = append(flat, group...)
	}
	return flat
}

// keyAttributeOptions maps physical key columns onto the types of the
// key attributes they represent.
func keyAttributeOptions(scope *config.Node, groups [][]string, columns []string) map[string]datasource.AttributeOption {
	options := map[string]datasource.AttributeOption{}
	for i, name := range flatKey(groups) {
		if i >= len(columns) {
			break
		}
		typ := ""
		if attr := scope.Attribute(name); attr != nil {
			typ = attr.Type
		}
		options[columns[i]] = datasource.AttributeOption{Type: typ}
	}
	return options
}

// coerceScalar converts an id segment into the attribute's declared
// type.
func coerceScalar(typ, s string) (interface{}, error) {
	switch typ {
	case "int":
		return strconv.Atoi(s)
	case "float":
		return strconv.ParseFloat(s, 64)
	case "boolean":
		return strconv.ParseBool(s)
	default:
		return s, nil
	}
}
