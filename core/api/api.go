// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package api is the facade of the mosaik engine.

A Builder describes where the resource configurations come from, which
datasource adapters exist and which Go-side resource instances carry
custom actions and extensions. Init loads the configuration snapshot,
Execute processes one request, Reload swaps the snapshot atomically,
Close shuts everything down.

The facade is also an event bus. Handlers subscribe before Init and run
sequentially in registration order; a failing handler is logged and
ignored, except for the request event whose handlers may reject the
request.
*/
package api

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/relabs-tech/mosaik/core/builder"
	"github.com/relabs-tech/mosaik/core/config"
	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/logger"
	"github.com/relabs-tech/mosaik/core/plan"
	"github.com/relabs-tech/mosaik/core/request"
	"github.com/relabs-tech/mosaik/core/response"
)

// Event names the lifecycle moments handlers can subscribe to.
type Event string

const (
	EventInit        Event = "init"
	EventRequest     Event = "request"
	EventPreExecute  Event = "preExecute"
	EventPostExecute Event = "postExecute"
	EventResponse    Event = "response"
	EventClose       Event = "close"
)

// Handler processes one event emission. The payload type depends on the
// event: *RequestEvent, *PreExecuteEvent, *PostExecuteEvent,
// *ResponseEvent, or nil for init and close.
type Handler func(ctx context.Context, payload interface{}) error

// RequestEvent is emitted before a request is dispatched. A handler
// returning an error rejects the request.
type RequestEvent struct {
	Request *request.Request
}

// PreExecuteEvent is emitted after resolving, before execution.
type PreExecuteEvent struct {
	Request *request.Request
	Plan    *plan.Node
}

// PostExecuteEvent is emitted after execution, before building.
type PostExecuteEvent struct {
	Request    *request.Request
	RawResults []*datasource.RawResult
}

// ResponseEvent is emitted when a request finishes, successfully or not.
// Response is nil when Err is set.
type ResponseEvent struct {
	Request  *request.Request
	Response *response.Response
	Err      error
}

// ActionFunc implements one custom action of a resource.
type ActionFunc func(ctx context.Context, a *API, req *request.Request) (*response.Response, error)

// FormatActions maps a response format to its implementation. The key
// "default" serves the json format.
type FormatActions map[string]ActionFunc

// Resource is the Go-side instance paired with a resource
// configuration: custom actions and the engine extensions.
type Resource struct {
	// Actions maps action names to their per-format implementations. An
	// entry named "retrieve" overrides the engine pipeline.
	Actions map[string]FormatActions

	// Init runs once during API initialization.
	Init func(ctx context.Context, a *API) error

	// Item runs for every assembled item of this resource.
	Item builder.ItemHook

	// PreExecute runs after resolving a retrieve request, before
	// execution. It may inspect and tweak the data-source tree.
	PreExecute func(ctx context.Context, req *request.Request, root *plan.Node) error

	// PostExecute runs on the raw results before building.
	PostExecute func(ctx context.Context, req *request.Request, raw []*datasource.RawResult) error
}

// Plugin is an extension with its own lifecycle. Init typically
// subscribes to events.
type Plugin interface {
	Name() string
	Init(ctx context.Context, a *API) error
	Close() error
}

// Builder holds the construction parameters for an API.
type Builder struct {
	// Config lists and reads the resource configuration files.
	Config config.Source

	// Parsers maps config file extensions to parsers. Nil means the
	// default json/yaml/xml set.
	Parsers map[string]config.Parser

	// DataSources holds the registered adapters by type name.
	DataSources *datasource.Registry

	// Resources maps resource names to their Go-side instances. Every
	// key must have a configuration file.
	Resources map[string]*Resource

	// Plugins are initialized in order during Init.
	Plugins []Plugin

	// Parallelism caps concurrent adapter calls per request.
	Parallelism int

	// ExposeErrors includes server-side error details in responses.
	ExposeErrors bool
}

// API is the engine facade. All methods are safe for concurrent use
// after Init.
type API struct {
	source       config.Source
	parsers      map[string]config.Parser
	registry     *datasource.Registry
	resources    map[string]*Resource
	plugins      []Plugin
	pluginByName map[string]Plugin
	hooks        map[string]builder.ItemHook
	parallelism  int
	exposeErrors bool

	configs     atomic.Pointer[map[string]*config.Node]
	handlers    map[Event][]Handler
	mu          sync.Mutex
	initialized bool
}

// New creates an API from the builder. Configuration loading happens in
// Init.
func New(b Builder) (*API, error) {
	if b.Config == nil {
		return nil, errs.NewImplementation("api: no resource configuration source")
	}
	registry := b.DataSources
	if registry == nil {
		registry = datasource.NewRegistry()
	}
	resources := b.Resources
	if resources == nil {
		resources = map[string]*Resource{}
	}
	hooks := map[string]builder.ItemHook{}
	for name, res := range resources {
		if res != nil && res.Item != nil {
			hooks[name] = res.Item
		}
	}
	a := &API{
		source:       b.Config,
		parsers:      b.Parsers,
		registry:     registry,
		resources:    resources,
		plugins:      b.Plugins,
		pluginByName: map[string]Plugin{},
		hooks:        hooks,
		parallelism:  b.Parallelism,
		exposeErrors: b.ExposeErrors,
		handlers:     map[Event][]Handler{},
	}
	for _, p := range b.Plugins {
		if _, ok := a.pluginByName[p.Name()]; ok {
			return nil, errs.NewImplementation("api: plugin %s registered twice", p.Name())
		}
		a.pluginByName[p.Name()] = p
	}
	return a, nil
}

// MustNew is New for main-style wiring; it panics on a broken builder.
func MustNew(b Builder) *API {
	a, err := New(b)
	if err != nil {
		panic(err)
	}
	return a
}

// On subscribes a handler to an event. Subscriptions must happen before
// Init; the bus is append-only afterwards.
func (a *API) On(event Event, h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return errs.NewImplementation("api: handler for %s registered after Init", event)
	}
	a.handlers[event] = append(a.handlers[event], h)
	return nil
}

// GetPlugin returns a registered plugin by name.
func (a *API) GetPlugin(name string) (Plugin, error) {
	p, ok := a.pluginByName[name]
	if !ok {
		return nil, errs.NewImplementation("api: unknown plugin %s", name)
	}
	return p, nil
}

// ExposeErrors reports whether server-side error details may be shown
// to clients.
func (a *API) ExposeErrors() bool { return a.exposeErrors }

// Registry returns the datasource adapter registry.
func (a *API) Registry() *datasource.Registry { return a.registry }

// Init loads the resource configurations, initializes plugins and
// resource instances and emits the init event. It must complete before
// the first Execute.
func (a *API) Init(ctx context.Context) error {
	configs, err := a.load(ctx)
	if err != nil {
		return err
	}
	a.configs.Store(&configs)

	for _, p := range a.plugins {
		if err := p.Init(ctx, a); err != nil {
			return errs.NewImplementation("api: plugin %s: %s", p.Name(), err)
		}
	}
	for name, res := range a.resources {
		if res == nil || res.Init == nil {
			continue
		}
		if err := res.Init(ctx, a); err != nil {
			return errs.NewImplementation("api: resource %s: %s", name, err)
		}
	}

	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()

	a.emitLogged(ctx, EventInit, nil)
	return nil
}

// Reload re-reads the resource configurations and atomically swaps the
// snapshot. Requests already in flight finish against the old one.
func (a *API) Reload(ctx context.Context) error {
	configs, err := a.load(ctx)
	if err != nil {
		return err
	}
	a.configs.Store(&configs)
	logger.FromContext(ctx).Infof("reloaded %d resource configurations", len(configs))
	return nil
}

func (a *API) load(ctx context.Context) (map[string]*config.Node, error) {
	configs, err := config.LoadResources(ctx, a.source, a.parsers)
	if err != nil {
		return nil, err
	}
	for name := range a.resources {
		if _, ok := configs[name]; !ok {
			return nil, errs.NewImplementation("api: resource instance %s has no configuration", name)
		}
	}
	return configs, nil
}

// Close emits the close event, closes plugins and adapters.
func (a *API) Close(ctx context.Context) error {
	a.emitLogged(ctx, EventClose, nil)
	var first error
	for _, p := range a.plugins {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := a.registry.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Execute processes one request and returns its response. The returned
// error is one of the errs kinds; httpserver maps it to a status code.
func (a *API) Execute(ctx context.Context, req *request.Request) (*response.Response, error) {
	if req.Action == "" {
		req.Action = "retrieve"
	}
	if req.Format == "" {
		req.Format = "json"
	}
	ctx, _ = logger.ContextWithRequestFields(ctx, req.Resource, req.Action)

	// request handlers may reject
	if err := a.emit(ctx, EventRequest, &RequestEvent{Request: req}); err != nil {
		a.emitLogged(ctx, EventResponse, &ResponseEvent{Request: req, Err: err})
		return nil, err
	}

	resp, err := a.dispatch(ctx, req)
	a.emitLogged(ctx, EventResponse, &ResponseEvent{Request: req, Response: resp, Err: err})
	return resp, err
}

// emit runs the handlers of an event in registration order and stops at
// the first error.
func (a *API) emit(ctx context.Context, event Event, payload interface{}) error {
	for _, h := range a.handlers[event] {
		if err := h(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

// emitLogged runs the handlers and logs failures instead of propagating
// them.
func (a *API) emitLogged(ctx context.Context, event Event, payload interface{}) {
	for _, h := range a.handlers[event] {
		if err := h(ctx, payload); err != nil {
			logger.FromContext(ctx).Errorf("event %s: handler failed: %s", event, err)
		}
	}
}
