// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// The mosaik server binary. It takes a single YAML config file path,
// wires the adapters and serves the engine over HTTP. SIGHUP reloads
// the resource configurations, SIGTERM/SIGINT shut down gracefully.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/relabs-tech/mosaik/core/api"
	"github.com/relabs-tech/mosaik/core/config"
	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/httpserver"
	"github.com/relabs-tech/mosaik/core/logger"
	"github.com/relabs-tech/mosaik/datasources/memory"
	"github.com/relabs-tech/mosaik/datasources/postgres"
	"github.com/relabs-tech/mosaik/datasources/solr"
	"github.com/relabs-tech/mosaik/plugins/kafkaevents"
	"github.com/relabs-tech/mosaik/plugins/sqsevents"
)

// Service holds the secrets this binary takes from the environment.
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres     string `env:"POSTGRES,optional" description:"the connection string for the Postgres DB"`
	JWTSecret    string `env:"JWT_SECRET,optional" description:"HS256 secret for bearer token validation"`
	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma separated Kafka broker addresses"`
}

// Configuration is the YAML config file.
type Configuration struct {
	Addr               string   `yaml:"addr"`
	ResourcesPath      string   `yaml:"resourcesPath"`
	LogLevel           string   `yaml:"logLevel"`
	PostTimeoutSeconds int      `yaml:"postTimeoutSeconds"`
	ShutdownSeconds    int      `yaml:"shutdownSeconds"`
	CORSOrigins        []string `yaml:"corsOrigins"`
	ExposeErrors       bool     `yaml:"exposeErrors"`
	Parallelism        int      `yaml:"parallelism"`

	Postgres struct {
		Schema string `yaml:"schema"`
	} `yaml:"postgres"`
	Solr struct {
		URL string `yaml:"url"`
	} `yaml:"solr"`
	Events struct {
		KafkaTopic  string `yaml:"kafkaTopic"`
		SQSQueueURL string `yaml:"sqsQueueURL"`
		SQSRegion   string `yaml:"sqsRegion"`
	} `yaml:"events"`
}

func loadConfiguration(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Configuration{
		Addr:               ":3000",
		LogLevel:           "info",
		PostTimeoutSeconds: 10,
		ShutdownSeconds:    10,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	if cfg.ResourcesPath == "" {
		return nil, fmt.Errorf("%s: resourcesPath is required", path)
	}
	return cfg, nil
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config.yaml>\n", os.Args[0])
		os.Exit(1)
	}

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := loadConfiguration(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.InitLogger(level)
	rlog := logger.Default()

	registry := datasource.NewRegistry()
	must := func(err error) {
		if err != nil {
			rlog.Fatalln(err)
		}
	}
	must(registry.Register(memory.Type, memory.New()))
	if service.Postgres != "" {
		db, err := postgres.OpenWithSchema(service.Postgres, cfg.Postgres.Schema)
		must(err)
		must(registry.Register(postgres.Type, postgres.New(db)))
	}
	if cfg.Solr.URL != "" {
		must(registry.Register(solr.Type, solr.New(cfg.Solr.URL)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var plugins []api.Plugin
	if service.KafkaBrokers != "" && cfg.Events.KafkaTopic != "" {
		plugins = append(plugins, kafkaevents.New(splitList(service.KafkaBrokers), cfg.Events.KafkaTopic))
	}
	if cfg.Events.SQSQueueURL != "" {
		sqsPlugin, err := sqsevents.New(ctx, cfg.Events.SQSRegion, cfg.Events.SQSQueueURL)
		must(err)
		plugins = append(plugins, sqsPlugin)
	}

	a := api.MustNew(api.Builder{
		Config:       config.DirSource{Root: cfg.ResourcesPath},
		DataSources:  registry,
		Plugins:      plugins,
		Parallelism:  cfg.Parallelism,
		ExposeErrors: cfg.ExposeErrors,
	})
	must(a.Init(ctx))
	defer a.Close(context.Background())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := a.Reload(ctx); err != nil {
				rlog.Errorln("reload failed:", err)
			}
		}
	}()

	server := httpserver.New(httpserver.Config{
		API:         a,
		PostTimeout: time.Duration(cfg.PostTimeoutSeconds) * time.Second,
		CORSOrigins: cfg.CORSOrigins,
		JWTSecret:   []byte(service.JWTSecret),
	})
	if err := server.ListenAndServe(ctx, cfg.Addr, time.Duration(cfg.ShutdownSeconds)*time.Second); err != nil {
		rlog.Fatalln(err)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
