// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/plan"
	"github.com/relabs-tech/mosaik/core/request"
	"github.com/relabs-tech/mosaik/core/response"
	"github.com/relabs-tech/mosaik/datasources/memory"
)

// mapSource serves configurations from a plain map, the in-process
// counterpart of DirSource.
type mapSource map[string]string

func (s mapSource) List(ctx context.Context) ([]string, error) {
	var paths []string
	for path := range s {
		paths = append(paths, path)
	}
	return paths, nil
}

func (s mapSource) Read(ctx context.Context, path string) ([]byte, error) {
	return []byte(s[path]), nil
}

func testSource() mapSource {
	return mapSource{
		"article/config.yaml": `
primaryKey: id
defaultOrder: "date:asc"
dataSources:
  primary:
    type: memory
    collection: articles
attributes:
  id:
    type: string
    filter: true
  title:
    filter: "equal,like"
  date:
    order: true
  authorId:
    internal: true
    map: author_id
  author:
    resource: user
    parentKey: authorId
    childKey: id
`,
		"user/config.yaml": `
primaryKey: id
dataSources:
  primary:
    type: memory
    collection: users
attributes:
  id:
    type: string
  name: {}
`,
	}
}

func testRegistry(t *testing.T) *datasource.Registry {
	t.Helper()
	adapter := memory.New()
	adapter.SetCollection("articles", []datasource.Row{
		{"id": "a1", "title": "Planning", "date": "2024-03-01", "author_id": "u1"},
		{"id": "a2", "title": "Joining", "date": "2024-04-12", "author_id": "u2"},
	})
	adapter.SetCollection("users", []datasource.Row{
		{"id": "u1", "name": "Ada"},
		{"id": "u2", "name": "Grace"},
	})
	registry := datasource.NewRegistry()
	require.NoError(t, registry.Register(memory.Type, adapter))
	return registry
}

func testAPI(t *testing.T, b Builder) *API {
	t.Helper()
	if b.Config == nil {
		b.Config = testSource()
	}
	if b.DataSources == nil {
		b.DataSources = testRegistry(t)
	}
	a, err := New(b)
	require.NoError(t, err)
	return a
}

func mustSelect(t *testing.T, s string) map[string]*request.Select {
	t.Helper()
	sel, err := request.ParseSelect(s)
	require.NoError(t, err)
	return sel
}

func asJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestExecuteList(t *testing.T) {
	a := testAPI(t, Builder{})
	require.NoError(t, a.Init(context.Background()))
	defer a.Close(context.Background())

	req := request.New("article")
	req.Select = mustSelect(t, "title,author[name]")
	resp, err := a.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t,
		`[{"title":"Planning","author":{"name":"Ada"}},{"title":"Joining","author":{"name":"Grace"}}]`,
		asJSON(t, resp.Data))
	require.NotNil(t, resp.Cursor)
	require.NotNil(t, resp.Cursor.TotalCount)
	assert.Equal(t, 2, *resp.Cursor.TotalCount)
}

func TestExecuteSingleItem(t *testing.T) {
	a := testAPI(t, Builder{})
	require.NoError(t, a.Init(context.Background()))
	defer a.Close(context.Background())

	req := request.New("article")
	req.ID = "a2"
	req.Select = mustSelect(t, "id,title")
	resp, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a2","title":"Joining"}`, asJSON(t, resp.Data))

	req = request.New("article")
	req.ID = "nope"
	_, err = a.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, errs.StatusCode(err))
}

func TestExecuteBeforeInit(t *testing.T) {
	a := testAPI(t, Builder{})
	_, err := a.Execute(context.Background(), request.New("article"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Execute before Init")
}

func TestItemHook(t *testing.T) {
	a := testAPI(t, Builder{
		Resources: map[string]*Resource{
			"article": {
				Item: func(ctx context.Context, req *request.Request, item *response.Object) error {
					if id, ok := item.Get("id"); ok {
						item.Set("link", "/article/"+id.(string))
					}
					return nil
				},
			},
		},
	})
	require.NoError(t, a.Init(context.Background()))
	defer a.Close(context.Background())

	req := request.New("article")
	req.ID = "a1"
	resp, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a1","link":"/article/a1"}`, asJSON(t, resp.Data))
}

func TestResourceExtensions(t *testing.T) {
	var sawPlan *plan.Node
	var sawRaw int
	a := testAPI(t, Builder{
		Resources: map[string]*Resource{
			"article": {
				PreExecute: func(ctx context.Context, req *request.Request, root *plan.Node) error {
					sawPlan = root
					return nil
				},
				PostExecute: func(ctx context.Context, req *request.Request, raw []*datasource.RawResult) error {
					sawRaw = len(raw)
					return nil
				},
			},
		},
	})
	require.NoError(t, a.Init(context.Background()))
	defer a.Close(context.Background())

	_, err := a.Execute(context.Background(), request.New("article"))
	require.NoError(t, err)
	require.NotNil(t, sawPlan)
	assert.Equal(t, "article", sawPlan.ResourceName)
	assert.Equal(t, 1, sawRaw)
}

func TestEvents(t *testing.T) {
	a := testAPI(t, Builder{})

	var events []Event
	for _, event := range []Event{EventInit, EventRequest, EventPreExecute, EventPostExecute, EventResponse, EventClose} {
		event := event
		require.NoError(t, a.On(event, func(ctx context.Context, payload interface{}) error {
			events = append(events, event)
			return nil
		}))
	}

	require.NoError(t, a.Init(context.Background()))
	_, err := a.Execute(context.Background(), request.New("article"))
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))

	assert.Equal(t, []Event{EventInit, EventRequest, EventPreExecute, EventPostExecute, EventResponse, EventClose}, events)

	// the bus is append-only after Init
	require.NoError(t, a.Init(context.Background()))
	assert.Error(t, a.On(EventRequest, func(ctx context.Context, payload interface{}) error { return nil }))
}

func TestRequestEventRejects(t *testing.T) {
	a := testAPI(t, Builder{})

	var responseEvent *ResponseEvent
	require.NoError(t, a.On(EventRequest, func(ctx context.Context, payload interface{}) error {
		return errs.NewRequest("not today")
	}))
	require.NoError(t, a.On(EventResponse, func(ctx context.Context, payload interface{}) error {
		responseEvent = payload.(*ResponseEvent)
		return nil
	}))
	require.NoError(t, a.Init(context.Background()))
	defer a.Close(context.Background())

	_, err := a.Execute(context.Background(), request.New("article"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not today")
	require.NotNil(t, responseEvent)
	assert.Error(t, responseEvent.Err)
	assert.Nil(t, responseEvent.Response)
}

func TestCustomActions(t *testing.T) {
	csv := func(ctx context.Context, a *API, req *request.Request) (*response.Response, error) {
		resp := response.New()
		resp.Data = []byte("id,title\n")
		return resp, nil
	}
	a := testAPI(t, Builder{
		Resources: map[string]*Resource{
			"article": {
				Actions: map[string]FormatActions{
					"export": {"csv": csv, "default": csv},
				},
			},
		},
	})
	require.NoError(t, a.Init(context.Background()))
	defer a.Close(context.Background())

	req := request.New("article")
	req.Action = "export"
	req.Format = "csv"
	resp, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []byte("id,title\n"), resp.Data)

	// the default entry serves the json format
	req = request.New("article")
	req.Action = "export"
	_, err = a.Execute(context.Background(), req)
	require.NoError(t, err)

	req = request.New("article")
	req.Action = "export"
	req.Format = "xml"
	_, err = a.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown format xml for action export on resource article")

	req = request.New("article")
	req.Action = "purge"
	_, err = a.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown action purge on resource article")

	req = request.New("user")
	req.Format = "csv"
	_, err = a.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown format csv for resource user")
}

func TestReload(t *testing.T) {
	source := testSource()
	a := testAPI(t, Builder{Config: source})
	require.NoError(t, a.Init(context.Background()))
	defer a.Close(context.Background())

	_, err := a.Execute(context.Background(), request.New("tag"))
	require.Error(t, err)

	source["tag/config.yaml"] = `
primaryKey: id
dataSources:
  primary:
    type: memory
    collection: users
attributes:
  id:
    type: string
`
	require.NoError(t, a.Reload(context.Background()))
	_, err = a.Execute(context.Background(), request.New("tag"))
	require.NoError(t, err)
}

func TestResourceWithoutConfiguration(t *testing.T) {
	a := testAPI(t, Builder{
		Resources: map[string]*Resource{"ghost": {}},
	})
	err := a.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resource instance ghost has no configuration")
}

type recordingPlugin struct {
	name      string
	initErr   error
	responses int
	closed    bool
}

func (p *recordingPlugin) Name() string { return p.name }

func (p *recordingPlugin) Init(ctx context.Context, a *API) error {
	if p.initErr != nil {
		return p.initErr
	}
	return a.On(EventResponse, func(ctx context.Context, payload interface{}) error {
		p.responses++
		return nil
	})
}

func (p *recordingPlugin) Close() error {
	p.closed = true
	return nil
}

func TestPlugins(t *testing.T) {
	p := &recordingPlugin{name: "recorder"}
	a := testAPI(t, Builder{Plugins: []Plugin{p}})
	require.NoError(t, a.Init(context.Background()))

	got, err := a.GetPlugin("recorder")
	require.NoError(t, err)
	assert.Same(t, p, got)
	_, err = a.GetPlugin("ghost")
	assert.Error(t, err)

	_, err = a.Execute(context.Background(), request.New("article"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.responses)

	require.NoError(t, a.Close(context.Background()))
	assert.True(t, p.closed)
}

func TestDuplicatePlugin(t *testing.T) {
	_, err := New(Builder{
		Config:  testSource(),
		Plugins: []Plugin{&recordingPlugin{name: "dup"}, &recordingPlugin{name: "dup"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin dup registered twice")
}

func TestPluginInitFailure(t *testing.T) {
	p := &recordingPlugin{name: "broken", initErr: errors.New("no broker")}
	a := testAPI(t, Builder{Plugins: []Plugin{p}})
	err := a.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin broken: no broker")
}
