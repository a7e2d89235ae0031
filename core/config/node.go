// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package config loads, validates and normalizes resource
// configurations. A configuration is a tree of nodes; a node owning
// datasources is a resource, a node referencing another resource is an
// include, anything else is a plain attribute or attribute group.
package config

import (
	"strings"

	"github.com/mohae/deepcopy"

	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/pointers"
	"github.com/relabs-tech/mosaik/core/request"
)

// Node is one node of a resource configuration tree. ResourceNode and
// AttrNode share this shape; which fields are meaningful depends on the
// node kind.
type Node struct {
	Name string

	// resource level
	Resource           string // include reference to a top-level resource
	ResourceOrigin     string // top-level resource this node's content comes from
	PrimaryKey         [][]string
	DataSources        map[string]*DataSource
	PrimaryDataSource  string
	Attributes         []*Node // ordered, order drives response field order
	DefaultLimit       *int
	MaxLimit           *int
	DefaultOrder       []request.Order
	SubFilters         []SubFilter
	ResolvedPrimaryKey map[string][]string // datasource → physical columns

	// relation level
	ParentKey   [][]string
	ChildKey    [][]string
	Many        bool
	JoinVia     string
	MultiValued bool
	Delimiter   string

	// attribute level
	Type       string
	Map        map[string]string // datasource → physical column
	Filter     []request.Operator
	Order      []string
	Hidden     bool
	Internal   bool
	Deprecated bool
	Depends    *Depends
	Value      interface{}
	HasValue   bool

	// annotations the resolver writes on request-scoped clones. On
	// resource nodes SelectedDataSource names the datasource the plan
	// queries first, on leaf attributes the datasource the value is
	// fetched from.
	Selected           bool
	SelectedDataSource string
	ParentDataSource   string
	ResolvedParentKey  []string
	ResolvedChildKey   []string
	RequestOptions     *request.Select

	attrIndex map[string]*Node
}

// DataSource is the engine-level part of a datasource declaration. The
// adapter payload stays opaque in Options. Instances are shared by
// reference between the parsed config and request-scoped clones.
type DataSource struct {
	Name           string
	Type           string
	Primary        bool
	FulltextSearch bool
	Inherit        string // "inherit" or "replace" at include override sites
	JoinParentKey  []string
	JoinChildKey   []string
	Options        map[string]interface{}
}

// SubFilter declares that a filter on a relation path is rewritten to a
// local attribute instead of spawning a sub-query.
type SubFilter struct {
	Attribute []string
	RewriteTo string
}

// Depends holds the additional selections an attribute requires, split
// into selections relative to the enclosing resource and selections
// addressed from the root resource.
type Depends struct {
	Local map[string]*request.Select
	Root  map[string]*request.Select
}

// IsResource reports whether the node owns datasources.
func (n *Node) IsResource() bool { return len(n.DataSources) > 0 }

// IsInclude reports whether the node substitutes another resource.
func (n *Node) IsInclude() bool { return n.Resource != "" }

// IsRelation reports whether the node joins to its parent by key.
func (n *Node) IsRelation() bool { return n.ParentKey != nil }

// IsLeaf reports whether the node is a plain value attribute.
func (n *Node) IsLeaf() bool {
	return len(n.Attributes) == 0 && !n.IsResource() && !n.IsInclude()
}

// Attribute returns the named child attribute, or nil.
func (n *Node) Attribute(name string) *Node {
	if n.attrIndex == nil {
		return nil
	}
	return n.attrIndex[name]
}

// AddAttribute appends a child attribute. It fails if the name is taken.
func (n *Node) AddAttribute(child *Node) error {
	if n.Attribute(child.Name) != nil {
		return errs.NewImplementation("Cannot overwrite attribute %s in %s", child.Name, n.Name)
	}
	if n.attrIndex == nil {
		n.attrIndex = map[string]*Node{}
	}
	n.Attributes = append(n.Attributes, child)
	n.attrIndex[child.Name] = child
	return nil
}

// ReplaceAttribute swaps the named child attribute for child, keeping
// its position. The resolver uses it on request-scoped clones when it
// substitutes an include site.
func (n *Node) ReplaceAttribute(name string, child *Node) {
	i, ok := 0, false
	for idx, attr := range n.Attributes {
		if attr.Name == name {
			i, ok = idx, true
			break
		}
	}
	if !ok {
		return
	}
	n.Attributes[i] = child
	delete(n.attrIndex, name)
	n.attrIndex[child.Name] = child
}

// FlatPrimaryKey returns the primary key attribute names with key groups
// concatenated in declaration order.
func (n *Node) FlatPrimaryKey() []string {
	return flattenKey(n.PrimaryKey)
}

func flattenKey(groups [][]string) []string {
	var flat []string
	for _, group := range groups {
		flat = append(flat, group...)
	}
	return flat
}

// Clone deep-copies the node tree. Datasource declarations are shared by
// reference; everything else, resolver annotations included, is
// independent of the original.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.PrimaryKey = cloneKeyGroups(n.PrimaryKey)
	c.ParentKey = cloneKeyGroups(n.ParentKey)
	c.ChildKey = cloneKeyGroups(n.ChildKey)
	if n.DataSources != nil {
		c.DataSources = make(map[string]*DataSource, len(n.DataSources))
		for name, ds := range n.DataSources {
			c.DataSources[name] = ds
		}
	}
	if n.ResolvedPrimaryKey != nil {
		c.ResolvedPrimaryKey = make(map[string][]string, len(n.ResolvedPrimaryKey))
		for name, columns := range n.ResolvedPrimaryKey {
			c.ResolvedPrimaryKey[name] = append([]string(nil), columns...)
		}
	}
	if n.Map != nil {
		c.Map = make(map[string]string, len(n.Map))
		for ds, column := range n.Map {
			c.Map[ds] = column
		}
	}
	c.Filter = append([]request.Operator(nil), n.Filter...)
	c.Order = append([]string(nil), n.Order...)
	c.DefaultOrder = append([]request.Order(nil), n.DefaultOrder...)
	c.SubFilters = append([]SubFilter(nil), n.SubFilters...)
	c.ResolvedParentKey = append([]string(nil), n.ResolvedParentKey...)
	c.ResolvedChildKey = append([]string(nil), n.ResolvedChildKey...)
	if n.Depends != nil {
		c.Depends = deepcopy.Copy(n.Depends).(*Depends)
	}
	if n.HasValue {
		c.Value = deepcopy.Copy(n.Value)
	}
	c.Attributes = make([]*Node, len(n.Attributes))
	c.attrIndex = make(map[string]*Node, len(n.Attributes))
	for i, attr := range n.Attributes {
		clone := attr.Clone()
		c.Attributes[i] = clone
		c.attrIndex[clone.Name] = clone
	}
	return &c
}

func cloneKeyGroups(groups [][]string) [][]string {
	if groups == nil {
		return nil
	}
	c := make([][]string, len(groups))
	for i, group := range groups {
		c[i] = append([]string(nil), group...)
	}
	return c
}

// FromDoc normalizes a parsed document into a Node and computes the
// resolved primary keys. Configuration defects surface as
// ImplementationError.
func FromDoc(name string, doc *Doc) (*Node, error) {
	node, err := nodeFromDoc(name, doc)
	if err != nil {
		return nil, err
	}
	node.Name = name
	node.ResourceOrigin = name
	if !node.IsResource() && !node.IsInclude() {
		return nil, errs.NewImplementation("No DataSources defined in resource %s", name)
	}
	if node.IsResource() {
		if err := node.FinalizeResource(nil); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func nodeFromDoc(name string, doc *Doc) (*Node, error) {
	node := &Node{Name: name}
	var err error
	for _, field := range doc.Fields() {
		switch field.Key {
		case "resource":
			node.Resource, err = toString(name, field.Key, field.Value)
		case "primaryKey":
			node.PrimaryKey, err = parseKeyGroups(name, field.Key, field.Value)
		case "parentKey":
			node.ParentKey, err = parseKeyGroups(name, field.Key, field.Value)
		case "childKey":
			node.ChildKey, err = parseKeyGroups(name, field.Key, field.Value)
		case "many":
			node.Many, err = toBool(name, field.Key, field.Value)
		case "joinVia":
			node.JoinVia, err = toString(name, field.Key, field.Value)
		case "multiValued":
			node.MultiValued, err = toBool(name, field.Key, field.Value)
		case "delimiter":
			node.Delimiter, err = toString(name, field.Key, field.Value)
		case "type":
			node.Type, err = toString(name, field.Key, field.Value)
		case "map":
			node.Map, err = parseMap(name, field.Value)
		case "filter":
			node.Filter, err = parseOperators(name, field.Value)
		case "order":
			node.Order, err = parseDirections(name, field.Value)
		case "hidden":
			node.Hidden, err = toBool(name, field.Key, field.Value)
		case "internal":
			node.Internal, err = toBool(name, field.Key, field.Value)
		case "deprecated":
			node.Deprecated, err = toBool(name, field.Key, field.Value)
		case "depends":
			node.Depends, err = parseDepends(name, field.Value)
		case "value":
			node.Value = plainValue(field.Value)
			node.HasValue = true
		case "defaultLimit":
			node.DefaultLimit, err = toIntPtr(name, field.Key, field.Value)
		case "maxLimit":
			node.MaxLimit, err = toIntPtr(name, field.Key, field.Value)
		case "defaultOrder":
			var spec string
			spec, err = toString(name, field.Key, field.Value)
			if err == nil {
				node.DefaultOrder, err = request.ParseOrder(spec)
			}
		case "subFilters":
			node.SubFilters, err = parseSubFilters(name, field.Value)
		case "dataSources":
			node.DataSources, err = parseDataSources(name, field.Value)
		case "attributes":
			err = parseAttributes(name, node, field.Value)
		default:
			err = errs.NewImplementation("%s: unknown config key %q", name, field.Key)
		}
		if err != nil {
			return nil, err
		}
	}
	if node.MultiValued && node.Delimiter == "" {
		node.Delimiter = ","
	}
	if node.ParentKey != nil && node.ChildKey != nil {
		if len(flattenKey(node.ParentKey)) != len(flattenKey(node.ChildKey)) {
			return nil, errs.NewImplementation("%s: parentKey and childKey lengths differ", name)
		}
	}
	if node.ParentKey != nil && node.ChildKey == nil || node.ParentKey == nil && node.ChildKey != nil {
		return nil, errs.NewImplementation("%s: parentKey and childKey must be declared together", name)
	}
	return node, nil
}

func parseAttributes(name string, node *Node, v interface{}) error {
	doc, ok := v.(*Doc)
	if !ok {
		return errs.NewImplementation("%s: attributes must be an object", name)
	}
	for _, field := range doc.Fields() {
		var childDoc *Doc
		switch t := field.Value.(type) {
		case *Doc:
			childDoc = t
		case string:
			// XML empty elements decode as empty strings
			if t != "" {
				return errs.NewImplementation("%s: attribute %s: invalid config", name, field.Key)
			}
			childDoc = NewDoc()
		default:
			return errs.NewImplementation("%s: attribute %s: invalid config", name, field.Key)
		}
		child, err := nodeFromDoc(name+"."+field.Key, childDoc)
		if err != nil {
			return err
		}
		child.Name = field.Key
		if err := node.AddAttribute(child); err != nil {
			return err
		}
	}
	return nil
}

func parseDataSources(name string, v interface{}) (map[string]*DataSource, error) {
	doc, ok := v.(*Doc)
	if !ok {
		return nil, errs.NewImplementation("%s: dataSources must be an object", name)
	}
	result := make(map[string]*DataSource, doc.Len())
	for _, field := range doc.Fields() {
		dsDoc, ok := field.Value.(*Doc)
		if !ok {
			return nil, errs.NewImplementation("%s: datasource %s must be an object", name, field.Key)
		}
		ds, err := dataSourceFromDoc(name, field.Key, dsDoc)
		if err != nil {
			return nil, err
		}
		result[field.Key] = ds
	}
	if len(result) == 0 {
		return nil, errs.NewImplementation("No DataSources defined in resource %s", name)
	}
	return result, nil
}

func dataSourceFromDoc(resource, name string, doc *Doc) (*DataSource, error) {
	ds := &DataSource{Name: name, Options: map[string]interface{}{}}
	var err error
	for _, field := range doc.Fields() {
		switch field.Key {
		case "type":
			ds.Type, err = toString(resource, "datasource type", field.Value)
		case "primary":
			ds.Primary, err = toBool(resource, "primary", field.Value)
		case "fulltextSearch":
			ds.FulltextSearch, err = toBool(resource, "fulltextSearch", field.Value)
		case "inherit":
			ds.Inherit, err = toString(resource, "inherit", field.Value)
			if err == nil && ds.Inherit != "inherit" && ds.Inherit != "replace" {
				err = errs.NewImplementation("%s: datasource %s: inherit must be \"inherit\" or \"replace\"", resource, name)
			}
		case "parentKey":
			ds.JoinParentKey, err = splitColumns(resource, field.Value)
		case "childKey":
			ds.JoinChildKey, err = splitColumns(resource, field.Value)
		default:
			ds.Options[field.Key] = plainValue(field.Value)
		}
		if err != nil {
			return nil, err
		}
	}
	if ds.Type == "" && ds.Inherit == "" {
		return nil, errs.NewImplementation("%s: datasource %s: missing type", resource, name)
	}
	return ds, nil
}

func splitColumns(resource string, v interface{}) ([]string, error) {
	s, err := toString(resource, "key columns", v)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
		if parts[i] == "" {
			return nil, errs.NewImplementation("%s: empty column in key %q", resource, s)
		}
	}
	return parts, nil
}

func parseKeyGroups(resource, key string, v interface{}) ([][]string, error) {
	switch t := v.(type) {
	case string:
		group, err := splitColumns(resource, t)
		if err != nil {
			return nil, err
		}
		return [][]string{group}, nil
	case []interface{}:
		if len(t) == 0 {
			return nil, errs.NewImplementation("%s: %s must not be empty", resource, key)
		}
		// either a single composite group of names or a list of groups
		if _, ok := t[0].([]interface{}); !ok {
			group := make([]string, len(t))
			for i, item := range t {
				s, ok := item.(string)
				if !ok {
					return nil, errs.NewImplementation("%s: %s: mixed key forms", resource, key)
				}
				group[i] = s
			}
			return [][]string{group}, nil
		}
		groups := make([][]string, len(t))
		for i, item := range t {
			list, ok := item.([]interface{})
			if !ok {
				return nil, errs.NewImplementation("%s: %s: mixed key forms", resource, key)
			}
			group := make([]string, len(list))
			for j, inner := range list {
				s, ok := inner.(string)
				if !ok {
					return nil, errs.NewImplementation("%s: %s: key names must be strings", resource, key)
				}
				group[j] = s
			}
			groups[i] = group
		}
		return groups, nil
	default:
		return nil, errs.NewImplementation("%s: %s: invalid key declaration", resource, key)
	}
}

// parseMap understands the shorthand "col" (column on the primary
// datasource), "col;ds2:col2" and the explicit object form
// {"default": {"ds": "col"}}. The empty map key stands for the primary
// datasource until FinalizeResource names it.
func parseMap(resource string, v interface{}) (map[string]string, error) {
	result := map[string]string{}
	switch t := v.(type) {
	case string:
		for _, part := range strings.Split(t, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				return nil, errs.NewImplementation("%s: empty map segment in %q", resource, t)
			}
			if idx := strings.IndexByte(part, ':'); idx >= 0 {
				result[part[:idx]] = part[idx+1:]
			} else {
				result[""] = part
			}
		}
		return result, nil
	case *Doc:
		mapping := t
		if inner, ok := t.Get("default"); ok {
			innerDoc, ok := inner.(*Doc)
			if !ok {
				return nil, errs.NewImplementation("%s: map.default must be an object", resource)
			}
			mapping = innerDoc
		}
		for _, field := range mapping.Fields() {
			column, ok := field.Value.(string)
			if !ok {
				return nil, errs.NewImplementation("%s: map column for %s must be a string", resource, field.Key)
			}
			result[field.Key] = column
		}
		return result, nil
	default:
		return nil, errs.NewImplementation("%s: invalid map declaration", resource)
	}
}

var operatorNames = map[string]request.Operator{
	"equal":          request.OpEqual,
	"notEqual":       request.OpNotEqual,
	"less":           request.OpLess,
	"lessOrEqual":    request.OpLessOrEqual,
	"greater":        request.OpGreater,
	"greaterOrEqual": request.OpGreaterOrEqual,
	"like":           request.OpLike,
	"between":        request.OpBetween,
	"notBetween":     request.OpNotBetween,
}

func parseOperators(resource string, v interface{}) ([]request.Operator, error) {
	var names []string
	switch t := v.(type) {
	case bool:
		if !t {
			return nil, nil
		}
		return []request.Operator{request.OpEqual}, nil
	case string:
		if t == "true" {
			return []request.Operator{request.OpEqual}, nil
		}
		if t == "false" {
			return nil, nil
		}
		names = strings.Split(t, ",")
	case []interface{}:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, errs.NewImplementation("%s: operator names must be strings", resource)
			}
			names = append(names, s)
		}
	default:
		return nil, errs.NewImplementation("%s: invalid filter declaration", resource)
	}
	result := make([]request.Operator, 0, len(names))
	for _, name := range names {
		op, ok := operatorNames[strings.TrimSpace(name)]
		if !ok {
			return nil, errs.NewImplementation("%s: unknown filter operator %q", resource, strings.TrimSpace(name))
		}
		result = append(result, op)
	}
	return result, nil
}

func parseDirections(resource string, v interface{}) ([]string, error) {
	var names []string
	switch t := v.(type) {
	case bool:
		if !t {
			return nil, nil
		}
		return []string{"asc", "desc"}, nil
	case string:
		if t == "true" {
			return []string{"asc", "desc"}, nil
		}
		if t == "false" {
			return nil, nil
		}
		names = strings.Split(t, ",")
	case []interface{}:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, errs.NewImplementation("%s: order directions must be strings", resource)
			}
			names = append(names, s)
		}
	default:
		return nil, errs.NewImplementation("%s: invalid order declaration", resource)
	}
	result := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "asc" && name != "desc" {
			return nil, errs.NewImplementation("%s: unknown order direction %q", resource, name)
		}
		result = append(result, name)
	}
	return result, nil
}

func parseSubFilters(resource string, v interface{}) ([]SubFilter, error) {
	var result []SubFilter
	for _, item := range asList(v) {
		doc, ok := item.(*Doc)
		if !ok {
			return nil, errs.NewImplementation("%s: subFilters entries must be objects", resource)
		}
		attrValue, ok := doc.Get("attribute")
		if !ok {
			return nil, errs.NewImplementation("%s: subFilter without attribute", resource)
		}
		attr, err := toString(resource, "subFilter attribute", attrValue)
		if err != nil {
			return nil, err
		}
		rewriteValue, ok := doc.Get("rewriteTo")
		if !ok {
			return nil, errs.NewImplementation("%s: subFilter for %s without rewriteTo", resource, attr)
		}
		rewriteTo, err := toString(resource, "subFilter rewriteTo", rewriteValue)
		if err != nil {
			return nil, err
		}
		result = append(result, SubFilter{
			Attribute: strings.Split(attr, "."),
			RewriteTo: rewriteTo,
		})
	}
	return result, nil
}

func asList(v interface{}) []interface{} {
	if list, ok := v.([]interface{}); ok {
		return list
	}
	return []interface{}{v}
}

func toString(resource, key string, v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errs.NewImplementation("%s: %s must be a string", resource, key)
	}
	return s, nil
}

func toBool(resource, key string, v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		// XML attributes arrive as strings
		if t == "true" {
			return true, nil
		}
		if t == "false" {
			return false, nil
		}
	}
	return false, errs.NewImplementation("%s: %s must be a boolean", resource, key)
}

func toIntPtr(resource, key string, v interface{}) (*int, error) {
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case float64:
		n = int(t)
		if float64(n) != t {
			return nil, errs.NewImplementation("%s: %s must be an integer", resource, key)
		}
	case string:
		parsed := 0
		for i := 0; i < len(t); i++ {
			if t[i] < '0' || t[i] > '9' {
				return nil, errs.NewImplementation("%s: %s must be an integer", resource, key)
			}
			parsed = parsed*10 + int(t[i]-'0')
		}
		if len(t) == 0 {
			return nil, errs.NewImplementation("%s: %s must be an integer", resource, key)
		}
		n = parsed
	default:
		return nil, errs.NewImplementation("%s: %s must be an integer", resource, key)
	}
	if n < 1 {
		return nil, errs.NewImplementation("%s: %s must be positive", resource, key)
	}
	return pointers.IntPtr(n), nil
}
