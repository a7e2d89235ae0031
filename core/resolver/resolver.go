// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package resolver translates a validated request against the parsed
resource configuration into an execution plan.

Resolve produces two artifacts from one pass: a request-scoped clone of
the resource tree annotated with selection markers, and the data-source
tree the executor walks. The parsed configuration is never mutated; all
annotations happen on the clone.
*/
package resolver

import (
	"strings"

	"dario.cat/mergo"

	"github.com/relabs-tech/mosaik/core/config"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/plan"
	"github.com/relabs-tech/mosaik/core/request"
)

// includeDepthLimit caps transitive resource inclusion.
const includeDepthLimit = 10

// defaultListLimit applies to root list requests when neither the
// request nor the resource configuration sets a limit.
const defaultListLimit = 10

// Resolved is the outcome of resolving one request.
type Resolved struct {
	// Config is the request-scoped clone of the resource tree,
	// annotated with Selected, SelectedDataSource, ParentDataSource and
	// the per-node request options. The result builder reads these
	// markers.
	Config *config.Node

	// Plan is the data-source tree.
	Plan *plan.Node
}

type resolver struct {
	configs        map[string]*config.Node
	req            *request.Request
	dependsVisited map[*config.Node]bool
}

// Resolve validates the request against the configuration and plans its
// execution. Client mistakes surface as RequestError, configuration
// defects as ImplementationError.
func Resolve(req *request.Request, configs map[string]*config.Node) (*Resolved, error) {
	r := &resolver{configs: configs, req: req}

	node, ok := configs[req.Resource]
	if !ok {
		return nil, errs.NewRequest("Unknown resource %s", req.Resource)
	}
	root := node.Clone()
	if root.IsInclude() {
		var err error
		root, err = r.substituteInclude(root, nil, []string{req.Resource})
		if err != nil {
			return nil, err
		}
	}
	if !root.IsResource() {
		return nil, errs.NewImplementation("No DataSources defined in resource %s", req.Resource)
	}

	// root request options from the request itself
	root.RequestOptions = &request.Select{
		Filter: req.Filter,
		Order:  req.Order,
		Limit:  req.Limit,
		Page:   req.Page,
	}

	if err := r.selectResource(root, req.Select, nil, root, modeRequest); err != nil {
		return nil, err
	}

	planRoot, err := r.buildResourcePlan(root, nil, true)
	if err != nil {
		return nil, err
	}
	if err := planRoot.Verify(); err != nil {
		return nil, err
	}
	return &Resolved{Config: root, Plan: planRoot}, nil
}

// substituteInclude replaces an include site with a merged clone of the
// target resource. The site keeps its name and relation declaration;
// its attributes are added to the target's, its datasources merge per
// their inherit mode. chain carries the names followed so far for error
// reporting and the depth limit.
func (r *resolver) substituteInclude(site *config.Node, parent *config.Node, chain []string) (*config.Node, error) {
	if len(chain) > includeDepthLimit {
		return nil, errs.NewImplementation("Resource inclusion depth too big")
	}
	target, ok := r.configs[site.Resource]
	if !ok {
		return nil, errs.NewImplementation("Unknown resource %s (included from: %s)",
			site.Resource, strings.Join(chain, ", "))
	}
	merged := target.Clone()
	if merged.IsInclude() {
		var err error
		merged, err = r.substituteInclude(merged, parent, append(chain, site.Resource))
		if err != nil {
			return nil, err
		}
	}
	if !merged.IsResource() {
		return nil, errs.NewImplementation("No DataSources defined in resource %s", site.Resource)
	}

	merged.Name = site.Name
	merged.Resource = ""
	merged.ParentKey = site.ParentKey
	merged.ChildKey = site.ChildKey
	merged.Many = site.Many
	merged.MultiValued = site.MultiValued
	merged.Delimiter = site.Delimiter
	if site.JoinVia != "" {
		merged.JoinVia = site.JoinVia
	}
	if site.DefaultLimit != nil {
		merged.DefaultLimit = site.DefaultLimit
	}
	if site.MaxLimit != nil {
		merged.MaxLimit = site.MaxLimit
	}
	if len(site.DefaultOrder) > 0 {
		merged.DefaultOrder = site.DefaultOrder
	}
	merged.SubFilters = append(merged.SubFilters, site.SubFilters...)

	for _, attr := range site.Attributes {
		if err := merged.AddAttribute(attr); err != nil {
			return nil, err
		}
	}
	for name, override := range site.DataSources {
		inherited, exists := merged.DataSources[name]
		if !exists {
			merged.DataSources[name] = override
			continue
		}
		mergedDS, err := mergeDataSource(site.Name, name, inherited, override)
		if err != nil {
			return nil, err
		}
		merged.DataSources[name] = mergedDS
	}

	if err := merged.FinalizeResource(parent); err != nil {
		return nil, err
	}
	return merged, nil
}

// mergeDataSource resolves a datasource override at an include site.
// Without an inherit mode overriding is an error; "inherit" merges the
// override on top of the inherited declaration, "replace" discards the
// inherited declaration entirely.
func mergeDataSource(site, name string, inherited, override *config.DataSource) (*config.DataSource, error) {
	switch override.Inherit {
	case "":
		return nil, errs.NewImplementation("Cannot overwrite datasource %s in %s", name, site)
	case "replace":
		if override.Type == "" {
			return nil, errs.NewImplementation("%s: datasource %s replaces its inherited declaration but has no type", site, name)
		}
		result := *override
		result.Inherit = ""
		return &result, nil
	default: // "inherit", validated at parse time
		result := *override
		result.Inherit = ""
		if result.Type == "" {
			result.Type = inherited.Type
		}
		result.Primary = result.Primary || inherited.Primary
		result.FulltextSearch = result.FulltextSearch || inherited.FulltextSearch
		if len(result.JoinParentKey) == 0 {
			result.JoinParentKey = inherited.JoinParentKey
		}
		if len(result.JoinChildKey) == 0 {
			result.JoinChildKey = inherited.JoinChildKey
		}
		options := map[string]interface{}{}
		for k, v := range result.Options {
			options[k] = v
		}
		if err := mergo.Merge(&options, inherited.Options); err != nil {
			return nil, errs.NewImplementation("%s: datasource %s: cannot merge options: %s", site, name, err)
		}
		result.Options = options
		return &result, nil
	}
}
