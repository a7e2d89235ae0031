// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"context"

	"github.com/relabs-tech/mosaik/core/builder"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/executor"
	"github.com/relabs-tech/mosaik/core/request"
	"github.com/relabs-tech/mosaik/core/resolver"
	"github.com/relabs-tech/mosaik/core/response"
)

// dispatch routes a request to the resource's custom action or, for
// retrieve, to the engine pipeline. Custom actions are matched by
// action name and format; the "default" format entry serves json.
func (a *API) dispatch(ctx context.Context, req *request.Request) (*response.Response, error) {
	res := a.resources[req.Resource]
	if res != nil {
		if formats, ok := res.Actions[req.Action]; ok {
			fn, ok := formats[req.Format]
			if !ok && req.Format == "json" {
				fn, ok = formats["default"]
			}
			if !ok {
				return nil, errs.NewRequest("Unknown format %s for action %s on resource %s",
					req.Format, req.Action, req.Resource)
			}
			return fn(ctx, a, req)
		}
	}

	if req.Action != "retrieve" {
		return nil, errs.NewRequest("Unknown action %s on resource %s", req.Action, req.Resource)
	}
	if req.Format != "json" {
		return nil, errs.NewRequest("Unknown format %s for resource %s", req.Format, req.Resource)
	}
	return a.retrieve(ctx, req, res)
}

// retrieve runs the engine pipeline: resolve, execute, build.
func (a *API) retrieve(ctx context.Context, req *request.Request, res *Resource) (*response.Response, error) {
	configs := a.configs.Load()
	if configs == nil {
		return nil, errs.NewImplementation("api: Execute before Init")
	}

	resolved, err := resolver.Resolve(req, *configs)
	if err != nil {
		return nil, err
	}

	if res != nil && res.PreExecute != nil {
		if err := res.PreExecute(ctx, req, resolved.Plan); err != nil {
			return nil, err
		}
	}
	a.emitLogged(ctx, EventPreExecute, &PreExecuteEvent{Request: req, Plan: resolved.Plan})

	exec := executor.New(a.registry)
	exec.Parallelism = a.parallelism
	raw, err := exec.Execute(ctx, resolved.Plan)
	if err != nil {
		return nil, err
	}

	if res != nil && res.PostExecute != nil {
		if err := res.PostExecute(ctx, req, raw); err != nil {
			return nil, err
		}
	}
	a.emitLogged(ctx, EventPostExecute, &PostExecuteEvent{Request: req, RawResults: raw})

	return builder.Build(ctx, req, raw, resolved.Config, a.hooks)
}
