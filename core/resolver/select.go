// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package resolver

import (
	"sort"
	"strings"

	"github.com/relabs-tech/mosaik/core/config"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/pointers"
	"github.com/relabs-tech/mosaik/core/request"
)

// selectMode distinguishes request-driven selection from selections the
// resolver adds for dependencies. Internal selections may reach hidden
// attributes and are stripped from the response; defects in them are
// configuration bugs, not client mistakes.
type selectMode int

const (
	modeRequest selectMode = iota
	modeInternal
)

// selectResource marks the selection on one resource node of the clone:
// the chosen datasource, the implicit primary key, the normalized
// limit/page/order options and the requested attributes.
func (r *resolver) selectResource(res *config.Node, sel map[string]*request.Select, path []string, rootRes *config.Node, mode selectMode) error {
	isRoot := res == rootRes

	if res.SelectedDataSource == "" {
		res.SelectedDataSource = res.PrimaryDataSource
		if isRoot && r.req.Search != "" {
			res.SelectedDataSource = ""
			for name, ds := range res.DataSources {
				if ds.FulltextSearch {
					res.SelectedDataSource = name
					break
				}
			}
			if res.SelectedDataSource == "" {
				return errs.NewRequest("Can not search in resource %s", res.Name)
			}
		}
		if _, ok := res.ResolvedPrimaryKey[res.SelectedDataSource]; !ok {
			return errs.NewImplementation("resource %s: primary key is not mapped in datasource %s",
				res.Name, res.SelectedDataSource)
		}
	}

	single := !res.Many
	if isRoot {
		single = r.req.SingleItem()
	}
	if err := r.normalizeOptions(res, path, single, isRoot); err != nil {
		return err
	}

	// the primary key is always part of the physical plan; it only
	// shows in the response when the client selected it explicitly or
	// selected the whole resource without naming attributes
	pkInternal := mode == modeInternal || len(sel) > 0
	for _, name := range res.FlatPrimaryKey() {
		attr := res.Attribute(name)
		if attr == nil {
			return errs.NewImplementation("resource %s: primary key attribute %s does not exist", res.Name, name)
		}
		r.mark(res, attr, pkInternal)
	}

	if res.Depends != nil {
		if err := r.applyDepends(res, res, rootRes); err != nil {
			return err
		}
	}

	return r.selectChildren(res, res, sel, path, rootRes, mode)
}

// selectChildren walks one level of a selection tree. owner is the node
// whose attributes are addressed; scope is the enclosing resource and
// differs from owner inside attribute groups.
func (r *resolver) selectChildren(scope, owner *config.Node, sel map[string]*request.Select, path []string, rootRes *config.Node, mode selectMode) error {
	for name, selNode := range sel {
		attr := owner.Attribute(name)
		attrPath := append(append([]string(nil), path...), name)
		switch {
		case attr == nil:
			if mode == modeInternal {
				return errs.NewImplementation("depends references unknown attribute %s", strings.Join(attrPath, "."))
			}
			return errs.NewRequest("Unknown attribute %s", strings.Join(attrPath, "."))
		case attr.Hidden && mode == modeRequest:
			// hidden attributes are only reachable through depends
			return errs.NewRequest("Unknown attribute %s (hidden)", strings.Join(attrPath, "."))
		}
		if selNode == nil {
			selNode = &request.Select{}
		}
		if err := r.selectAttribute(scope, owner, attr, selNode, attrPath, rootRes, mode); err != nil {
			return err
		}
	}
	return nil
}

func (r *resolver) selectAttribute(scope, owner *config.Node, attr *config.Node, selNode *request.Select, path []string, rootRes *config.Node, mode selectMode) error {
	if attr.IsInclude() {
		merged, err := r.substituteInclude(attr, scope, []string{scope.Name})
		if err != nil {
			return err
		}
		owner.ReplaceAttribute(attr.Name, merged)
		attr = merged
	}

	if !attr.IsResource() && hasResourceOptions(selNode) {
		if mode == modeInternal {
			return errs.NewImplementation("depends puts options on non-resource attribute %s", strings.Join(path, "."))
		}
		return errs.NewRequest("Invalid options on attribute %s", strings.Join(path, "."))
	}

	r.mark(scope, attr, mode == modeInternal)
	if err := r.applyDepends(scope, attr, rootRes); err != nil {
		return err
	}

	switch {
	case attr.IsResource():
		// request options win over options a dependency declared
		if attr.RequestOptions == nil || mode == modeRequest {
			attr.RequestOptions = selNode
		}
		if err := r.resolveRelationKeys(scope, attr, path); err != nil {
			return err
		}
		return r.selectResource(attr, selNode.Select, path, rootRes, mode)
	case attr.IsLeaf():
		return nil
	default:
		// attribute group, children stay in the enclosing resource scope
		return r.selectChildren(scope, attr, selNode.Select, path, rootRes, mode)
	}
}

// mark flags a node as selected. Explicit selection wins over internal:
// once an attribute is requested by the client it stays visible even
// when a dependency also selects it.
func (r *resolver) mark(scope, attr *config.Node, internal bool) {
	if !attr.Selected {
		attr.Selected = true
		attr.Internal = attr.Internal || internal
	} else if !internal {
		attr.Internal = false
	}
	if attr.IsLeaf() && !attr.HasValue && attr.SelectedDataSource == "" {
		attr.SelectedDataSource = pickAttributeDataSource(scope, attr)
	}
}

// pickAttributeDataSource chooses the datasource a leaf value is read
// from: the datasource the resource's plan queries first when the
// attribute is mapped there, the primary datasource next, then the
// first mapped one in stable order.
func pickAttributeDataSource(scope, attr *config.Node) string {
	if _, ok := attr.Map[scope.SelectedDataSource]; ok {
		return scope.SelectedDataSource
	}
	if _, ok := attr.Map[scope.PrimaryDataSource]; ok {
		return scope.PrimaryDataSource
	}
	names := make([]string, 0, len(attr.Map))
	for name := range attr.Map {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func hasResourceOptions(sel *request.Select) bool {
	return sel.Filter != nil || sel.Order != nil || sel.Limit != nil || sel.Page != nil
}

// applyDepends adds the selections an attribute depends on, flagged
// internal. Dependency cycles terminate through the visited set; a
// second pass over an already visited attribute adds nothing, which
// makes the expansion a fixed point.
func (r *resolver) applyDepends(scope, attr *config.Node, rootRes *config.Node) error {
	if attr.Depends == nil {
		return nil
	}
	if r.dependsVisited == nil {
		r.dependsVisited = map[*config.Node]bool{}
	}
	if r.dependsVisited[attr] {
		return nil
	}
	r.dependsVisited[attr] = true

	if attr.Depends.Local != nil {
		if err := r.selectChildren(scope, scope, attr.Depends.Local, nil, rootRes, modeInternal); err != nil {
			return err
		}
	}
	if attr.Depends.Root != nil {
		if err := r.selectChildren(rootRes, rootRes, attr.Depends.Root, nil, rootRes, modeInternal); err != nil {
			return err
		}
	}
	return nil
}

// resolveRelationKeys decides which parent datasource owns the
// parentKey of a sub-resource and computes the physical join columns on
// both sides.
func (r *resolver) resolveRelationKeys(scope, attr *config.Node, path []string) error {
	if attr.ParentDataSource != "" {
		return nil
	}
	if !attr.IsRelation() {
		return errs.NewImplementation("resource %s: sub-resource %s has no parentKey",
			scope.Name, strings.Join(path, "."))
	}

	candidates := []string{scope.SelectedDataSource}
	if scope.PrimaryDataSource != scope.SelectedDataSource {
		candidates = append(candidates, scope.PrimaryDataSource)
	}
	var others []string
	for name := range scope.DataSources {
		if name != scope.SelectedDataSource && name != scope.PrimaryDataSource {
			others = append(others, name)
		}
	}
	sort.Strings(others)
	candidates = append(candidates, others...)

	for _, ds := range candidates {
		columns, err := config.MapKey(scope, attr.ParentKey, ds)
		if err != nil {
			continue
		}
		attr.ParentDataSource = ds
		attr.ResolvedParentKey = columns
		break
	}
	if attr.ParentDataSource == "" {
		return errs.NewImplementation("resource %s: parentKey of %s is not mapped in any datasource",
			scope.Name, strings.Join(path, "."))
	}

	columns, err := config.MapKey(attr, attr.ChildKey, attr.PrimaryDataSource)
	if err != nil {
		return err
	}
	attr.ResolvedChildKey = columns
	return nil
}

// normalizeOptions applies the limit, page and order rules for one
// resource node and replaces the raw request options with their
// effective values.
func (r *resolver) normalizeOptions(res *config.Node, path []string, single, isRoot bool) error {
	opts := res.RequestOptions
	if opts == nil {
		opts = &request.Select{}
		res.RequestOptions = opts
	}

	if opts.Limit != nil {
		if single {
			return errs.NewRequest("Invalid limit on a single resource")
		}
		if res.MaxLimit != nil && *opts.Limit > *res.MaxLimit {
			return errs.NewRequest("Invalid limit %d, maxLimit is %d", *opts.Limit, *res.MaxLimit)
		}
	} else if !single {
		switch {
		case res.DefaultLimit != nil:
			opts.Limit = pointers.IntPtr(*res.DefaultLimit)
		case res.MaxLimit != nil:
			opts.Limit = pointers.IntPtr(*res.MaxLimit)
		case isRoot:
			opts.Limit = pointers.IntPtr(defaultListLimit)
		}
	}
	if single {
		opts.Limit = nil
	}
	if opts.Page != nil && opts.Limit == nil {
		return errs.NewRequest("Invalid page without a limit")
	}

	if len(opts.Order) == 0 {
		opts.Order = res.DefaultOrder
	}
	for _, order := range opts.Order {
		attr := resolveLocalPath(res, order.Attribute)
		name := strings.Join(order.Attribute, ".")
		if len(path) > 0 {
			name = strings.Join(path, ".") + "." + name
		}
		if attr == nil || !attr.IsLeaf() || len(attr.Order) == 0 {
			return errs.NewRequest("Can not order by %s", name)
		}
		allowed := false
		for _, direction := range attr.Order {
			if direction == order.Direction {
				allowed = true
				break
			}
		}
		if !allowed {
			return errs.NewRequest("Can not order by %s with direction %s", name, order.Direction)
		}
		// ordering columns must be part of the physical query
		r.mark(res, attr, true)
	}
	return nil
}

// resolveLocalPath descends a dotted path through attribute groups of
// one resource scope. It returns nil when the path leaves the scope or
// names an unknown attribute.
func resolveLocalPath(scope *config.Node, path []string) *config.Node {
	node := scope
	for i, name := range path {
		node = node.Attribute(name)
		if node == nil {
			return nil
		}
		if i < len(path)-1 && (node.IsResource() || node.IsInclude()) {
			return nil
		}
	}
	return node
}
