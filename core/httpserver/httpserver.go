// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package httpserver exposes an API over HTTP.

One catch-all route decodes every request per the engine URL grammar and
hands it to the facade. The server adds request IDs, optional CORS,
response compression, request metrics on /metrics and a /health probe.
*/
package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/relabs-tech/mosaik/core/access"
	"github.com/relabs-tech/mosaik/core/api"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/logger"
	"github.com/relabs-tech/mosaik/core/request"
	"github.com/relabs-tech/mosaik/core/response"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mosaik_requests_total",
		Help: "Processed requests by resource, action and status code.",
	}, []string{"resource", "action", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mosaik_request_duration_seconds",
		Help:    "Request processing time by resource and action.",
		Buckets: prometheus.DefBuckets,
	}, []string{"resource", "action"})
)

// Config holds the HTTP surface parameters.
type Config struct {
	API *api.API

	// PostTimeout bounds reading a POST body. Zero disables the
	// deadline.
	PostTimeout time.Duration

	// CORSOrigins enables CORS for the listed origins. Empty disables
	// CORS entirely.
	CORSOrigins []string

	// JWTSecret enables HS256 bearer token validation. Without it the
	// token is propagated opaquely.
	JWTSecret []byte
}

// Server serves engine requests over HTTP.
type Server struct {
	api         *api.API
	postTimeout time.Duration
	handler     http.Handler
}

// New builds the router and middleware chain.
func New(cfg Config) *Server {
	s := &Server{api: cfg.API, postTimeout: cfg.PostTimeout}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	if len(cfg.JWTSecret) > 0 {
		router.Use(access.ValidatingMiddleware(cfg.JWTSecret))
	} else {
		router.Use(access.Middleware())
	}

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.PathPrefix("/").HandlerFunc(s.serve).Methods(http.MethodGet, http.MethodPost)

	var handler http.Handler = handlers.CompressHandler(router)
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}).Handler(handler)
	}
	s.handler = handler
	return s
}

// Handler returns the fully assembled HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// serve decodes, executes and encodes one request.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	req, err := request.DecodeHTTP(w, r, s.postTimeout)
	if err != nil {
		s.writeError(ctx, w, "", "", err)
		return
	}
	if auth := access.AuthorizationFromContext(ctx); auth != nil {
		req.Auth = auth
	}

	resp, err := s.api.Execute(ctx, req)
	if err != nil {
		s.writeError(ctx, w, req.Resource, req.Action, err)
		return
	}

	s.writeResponse(ctx, w, resp)
	requestsTotal.WithLabelValues(req.Resource, req.Action, strconv.Itoa(resp.Meta.StatusCode)).Inc()
	requestDuration.WithLabelValues(req.Resource, req.Action).Observe(time.Since(start).Seconds())
}

func (s *Server) writeResponse(ctx context.Context, w http.ResponseWriter, resp *response.Response) {
	for k, v := range resp.Meta.Headers {
		w.Header().Set(k, v)
	}

	// custom actions may produce a pre-encoded body
	if raw, ok := resp.Data.([]byte); ok {
		w.WriteHeader(resp.Meta.StatusCode)
		w.Write(raw)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		logger.FromContext(ctx).Errorf("cannot encode response: %s", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(resp.Meta.StatusCode)
	w.Write(body)
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, resource, action string, err error) {
	status := errs.StatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(ctx).Errorf("request failed: %s", err)
	} else {
		logger.FromContext(ctx).Debugf("request rejected: %s", err)
	}

	resp := &response.Response{
		Error: &response.Error{
			Message: errs.ClientMessage(err, s.api.ExposeErrors()),
			Code:    status,
		},
	}
	body, encErr := json.Marshal(resp)
	if encErr != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)

	if resource != "" {
		requestsTotal.WithLabelValues(resource, action, strconv.Itoa(status)).Inc()
	}
}

// ListenAndServe runs the server until the context is canceled, then
// shuts down gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{Addr: addr, Handler: s.handler}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	logger.FromContext(ctx).Infof("listening on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx := context.Background()
	if shutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, shutdownTimeout)
		defer cancel()
	}
	return srv.Shutdown(shutdownCtx)
}
