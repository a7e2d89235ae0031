// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package config

import (
	"strings"

	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/request"
)

// FinalizeResource normalizes and validates a node owning datasources:
// it names the primary datasource, defaults attribute maps, computes the
// resolved primary keys and checks the structural invariants. parent is
// the enclosing resource scope, nil at the top level. The resolver calls
// this again for include sites after substitution.
func (n *Node) FinalizeResource(parent *Node) error {
	if !n.IsResource() {
		return errs.NewImplementation("No DataSources defined in resource %s", n.Name)
	}
	if err := n.pickPrimaryDataSource(); err != nil {
		return err
	}
	if len(n.PrimaryKey) == 0 {
		return errs.NewImplementation("resource %s: missing primaryKey", n.Name)
	}
	if err := n.normalizeScopeAttributes(n); err != nil {
		return err
	}

	n.ResolvedPrimaryKey = map[string][]string{}
	for dsName := range n.DataSources {
		columns, err := MapKey(n, n.PrimaryKey, dsName)
		if err != nil {
			if dsName == n.PrimaryDataSource {
				return err
			}
			// secondary datasources without a full key mapping cannot be
			// joined, the resolver rejects selections hitting them
			continue
		}
		n.ResolvedPrimaryKey[dsName] = columns
	}

	for _, sf := range n.SubFilters {
		if n.Attribute(sf.RewriteTo) == nil {
			return errs.NewImplementation("resource %s: subFilter rewriteTo %s does not exist", n.Name, sf.RewriteTo)
		}
		if len(sf.Attribute) == 0 || n.Attribute(sf.Attribute[0]) == nil {
			return errs.NewImplementation("resource %s: subFilter attribute %s does not exist", n.Name, strings.Join(sf.Attribute, "."))
		}
	}
	for _, order := range n.DefaultOrder {
		if len(order.Attribute) == 1 && n.Attribute(order.Attribute[0]) == nil {
			return errs.NewImplementation("resource %s: defaultOrder attribute %s does not exist", n.Name, order.Attribute[0])
		}
	}

	if n.IsRelation() && parent != nil {
		if err := validateKeyAttributes(parent, n.ParentKey, "parentKey"); err != nil {
			return err
		}
	}
	if n.JoinVia != "" {
		join, ok := n.DataSources[n.JoinVia]
		if !ok {
			return errs.NewImplementation("resource %s: joinVia datasource %s is not declared", n.Name, n.JoinVia)
		}
		if len(join.JoinParentKey) == 0 || len(join.JoinChildKey) == 0 {
			return errs.NewImplementation("resource %s: joinVia datasource %s needs parentKey and childKey columns", n.Name, n.JoinVia)
		}
	}
	return nil
}

func (n *Node) pickPrimaryDataSource() error {
	var tagged string
	for name, ds := range n.DataSources {
		if !ds.Primary {
			continue
		}
		if tagged != "" {
			return errs.NewImplementation("resource %s: more than one primary datasource (%s, %s)", n.Name, tagged, name)
		}
		tagged = name
	}
	if tagged == "" {
		if _, ok := n.DataSources["primary"]; !ok {
			return errs.NewImplementation("resource %s: no primary datasource", n.Name)
		}
		tagged = "primary"
	}
	n.PrimaryDataSource = tagged
	return nil
}

// normalizeScopeAttributes walks the attributes belonging to the scope
// resource, stopping at nested resources and includes. Leaf attributes
// without a static value receive their mapping defaults.
func (n *Node) normalizeScopeAttributes(scope *Node) error {
	for _, attr := range n.Attributes {
		if attr.IsInclude() {
			// the include site is validated after substitution
			if attr.IsRelation() {
				if err := validateKeyAttributes(scope, attr.ParentKey, "parentKey"); err != nil {
					return err
				}
			}
			continue
		}
		if attr.IsResource() {
			if err := attr.FinalizeResource(scope); err != nil {
				return err
			}
			if attr.IsRelation() {
				if err := validateKeyAttributes(attr, attr.ChildKey, "childKey"); err != nil {
					return err
				}
			}
			continue
		}
		if attr.IsLeaf() {
			if attr.HasValue {
				if attr.Map != nil {
					return errs.NewImplementation("resource %s: attribute %s has both value and map", scope.Name, attr.Name)
				}
				continue
			}
			if attr.Map == nil {
				attr.Map = map[string]string{scope.PrimaryDataSource: attr.Name}
			}
			if column, ok := attr.Map[""]; ok {
				delete(attr.Map, "")
				attr.Map[scope.PrimaryDataSource] = column
			}
			for dsName := range attr.Map {
				if _, ok := scope.DataSources[dsName]; !ok {
					return errs.NewImplementation("resource %s: attribute %s mapped to unknown datasource %s", scope.Name, attr.Name, dsName)
				}
			}
			continue
		}
		// attribute group, same scope
		if err := attr.normalizeScopeAttributes(scope); err != nil {
			return err
		}
	}
	return nil
}

func validateKeyAttributes(scope *Node, groups [][]string, kind string) error {
	for _, name := range flattenKey(groups) {
		if scope.Attribute(name) == nil {
			return errs.NewImplementation("resource %s: %s attribute %s does not exist", scope.Name, kind, name)
		}
	}
	return nil
}

// MapKey maps the flattened key attribute names onto the physical
// columns of the given datasource. Every key attribute must exist in the
// scope and carry a mapping for the datasource.
func MapKey(scope *Node, groups [][]string, dataSource string) ([]string, error) {
	var columns []string
	for _, name := range flattenKey(groups) {
		attr := scope.Attribute(name)
		if attr == nil {
			return nil, errs.NewImplementation("resource %s: key attribute %s does not exist", scope.Name, name)
		}
		column, ok := attr.Map[dataSource]
		if !ok {
			return nil, errs.NewImplementation("resource %s: key attribute %s is not mapped in datasource %s", scope.Name, name, dataSource)
		}
		columns = append(columns, column)
	}
	return columns, nil
}

func parseDepends(resource string, v interface{}) (*Depends, error) {
	d := &Depends{}
	switch t := v.(type) {
	case string:
		for _, item := range splitSelectItems(t) {
			item = strings.TrimSpace(item)
			if item == "" || item == "{root}" {
				return nil, errs.NewImplementation("%s: invalid depends item %q", resource, item)
			}
			root := false
			if strings.HasPrefix(item, "{root}.") {
				root = true
				item = strings.TrimPrefix(item, "{root}.")
			}
			sel, err := request.ParseSelect(item)
			if err != nil {
				return nil, errs.NewImplementation("%s: invalid depends: %s", resource, err)
			}
			if root {
				d.Root = request.MergeSelect(d.Root, sel)
			} else {
				d.Local = request.MergeSelect(d.Local, sel)
			}
		}
		return d, nil
	case *Doc:
		for _, field := range t.Fields() {
			sub, err := docToSelect(resource, field.Value)
			if err != nil {
				return nil, err
			}
			if field.Key == "{root}" {
				d.Root = request.MergeSelect(d.Root, sub.Select)
				continue
			}
			d.Local = request.MergeSelect(d.Local, map[string]*request.Select{field.Key: sub})
		}
		return d, nil
	default:
		return nil, errs.NewImplementation("%s: invalid depends declaration", resource)
	}
}

func docToSelect(resource string, v interface{}) (*request.Select, error) {
	sel := &request.Select{}
	doc, ok := v.(*Doc)
	if !ok {
		if s, isString := v.(string); isString && s == "" {
			return sel, nil
		}
		return nil, errs.NewImplementation("%s: invalid depends node", resource)
	}
	var err error
	for _, field := range doc.Fields() {
		switch field.Key {
		case "select":
			subDoc, ok := field.Value.(*Doc)
			if !ok {
				return nil, errs.NewImplementation("%s: depends select must be an object", resource)
			}
			sel.Select = map[string]*request.Select{}
			for _, sub := range subDoc.Fields() {
				sel.Select[sub.Key], err = docToSelect(resource, sub.Value)
				if err != nil {
					return nil, err
				}
			}
		case "filter":
			var spec string
			spec, err = toString(resource, "depends filter", field.Value)
			if err == nil {
				sel.Filter, err = request.ParseFilter(spec)
			}
		case "order":
			var spec string
			spec, err = toString(resource, "depends order", field.Value)
			if err == nil {
				sel.Order, err = request.ParseOrder(spec)
			}
		case "limit":
			sel.Limit, err = toIntPtr(resource, "depends limit", field.Value)
		case "page":
			sel.Page, err = toIntPtr(resource, "depends page", field.Value)
		default:
			err = errs.NewImplementation("%s: unknown depends key %q", resource, field.Key)
		}
		if err != nil {
			return nil, err
		}
	}
	return sel, nil
}

// splitSelectItems splits a select expression on top-level commas,
// leaving commas inside (), [] and double quotes alone.
func splitSelectItems(s string) []string {
	var parts []string
	depth := 0
	inQuotes := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch {
		case inQuotes:
			if s[i] == '\\' {
				i++
			} else if s[i] == '"' {
				inQuotes = false
			}
		case s[i] == '"':
			inQuotes = true
		case s[i] == '(' || s[i] == '[':
			depth++
		case s[i] == ')' || s[i] == ']':
			depth--
		case s[i] == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
