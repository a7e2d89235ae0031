// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast access to a mosaik API.

Instead of marshalling HTTP, the client can talk directly to the mux
router. That makes it the tool of choice when one request handler needs
to call other resources to fulfill its task, and for unit tests. The
same client also works against a remote server URL.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/mosaik/core/access"
	"github.com/relabs-tech/mosaik/core/response"
)

// Client provides access to the REST API.
type Client struct {
	router     http.Handler
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context
}

// NewWithRouter creates a client that makes pseudo-REST requests
// directly through the router.
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router http.Handler) Client {
	return Client{router: router}
}

// NewWithURL creates a client that makes REST requests to a server.
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:        url,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithToken returns a new client with a bearer token.
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAuthorization returns a new client with a specific authorization.
// This works only directly against the router; a remote client uses
// WithToken().
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with a specific request context.
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of this client.
func (c Client) Context() context.Context {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

// Resource returns a resource client for the named resource.
func (c Client) Resource(resource string) Resource {
	return Resource{client: &c, resource: resource}
}

// RawGet gets the resource at path and decodes the body into result,
// which may also be a raw *[]byte. Returns the http status code.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	r, err := http.NewRequestWithContext(c.Context(), http.MethodGet, c.url+path, nil)
	if err != nil {
		return 0, err
	}
	return c.do(r, result, http.StatusOK)
}

// RawPost posts body to the resource at path. body may be a []byte,
// result may be a raw *[]byte or nil. Returns the http status code.
func (c Client) RawPost(path string, body, result interface{}) (int, error) {
	data, ok := body.([]byte)
	if !ok {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return 0, err
		}
	}
	r, err := http.NewRequestWithContext(c.Context(), http.MethodPost, c.url+path, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	r.Header.Set("Content-Type", "application/json")
	return c.do(r, result, http.StatusOK)
}

func (c Client) do(r *http.Request, result interface{}, expect int) (int, error) {
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}

	var status int
	var body []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		status = rec.Code
		body = rec.Body.Bytes()
	} else {
		res, err := c.httpClient.Do(r)
		if err != nil {
			return 0, err
		}
		defer res.Body.Close()
		status = res.StatusCode
		body, err = io.ReadAll(res.Body)
		if err != nil {
			return status, err
		}
	}

	if status != expect {
		var envelope response.Response
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
			return status, fmt.Errorf("status %d: %s", status, envelope.Error.Message)
		}
		return status, fmt.Errorf("status %d", status)
	}
	if result == nil {
		return status, nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = body
		return status, nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return status, err
	}
	return status, nil
}

// Resource addresses one resource with accumulated query parameters.
type Resource struct {
	client     *Client
	resource   string
	parameters []string
}

// WithParameter returns a new resource client with a URL parameter
// added.
func (r Resource) WithParameter(key, value string) Resource {
	parameter := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	// true copy to avoid side effects
	r.parameters = append(append([]string{}, r.parameters...), parameter)
	return r
}

// WithFilter is a shortcut for WithParameter("filter", expression).
func (r Resource) WithFilter(expression string) Resource {
	return r.WithParameter("filter", expression)
}

// WithSelect is a shortcut for WithParameter("select", expression).
func (r Resource) WithSelect(expression string) Resource {
	return r.WithParameter("select", expression)
}

// ListPath returns the list path including query parameters.
func (r Resource) ListPath() string {
	path := "/" + r.resource + "/"
	if len(r.parameters) > 0 {
		path += "?" + strings.Join(r.parameters, "&")
	}
	return path
}

// ItemPath returns the path of one item including query parameters.
func (r Resource) ItemPath(id string) string {
	path := "/" + r.resource + "/" + url.PathEscape(id)
	if len(r.parameters) > 0 {
		path += "?" + strings.Join(r.parameters, "&")
	}
	return path
}

// List retrieves the resource list into result. result may be nil, a
// *response.Response, a raw *[]byte or any json-decodable value.
func (r Resource) List(result interface{}) (int, error) {
	return r.client.RawGet(r.ListPath(), result)
}

// Item retrieves one item by id into result.
func (r Resource) Item(id string, result interface{}) (int, error) {
	return r.client.RawGet(r.ItemPath(id), result)
}
