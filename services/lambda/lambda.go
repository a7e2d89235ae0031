// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// The mosaik lambda binary serves the engine behind AWS API Gateway.
// Resource configurations are read from an S3 bucket; the engine is
// initialized once per cold start.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/mosaik/core/api"
	"github.com/relabs-tech/mosaik/core/config"
	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/httpserver"
	"github.com/relabs-tech/mosaik/core/logger"
	"github.com/relabs-tech/mosaik/datasources/memory"
	"github.com/relabs-tech/mosaik/datasources/postgres"
)

// Service holds the lambda configuration from the environment.
type Service struct {
	ResourcesBucket string `env:"RESOURCES_BUCKET,required" description:"S3 bucket with the resource configurations"`
	ResourcesRegion string `env:"RESOURCES_REGION,required"`
	ResourcesKey    string `env:"RESOURCES_KEY_PREFIX,optional"`
	AccessID        string `env:"RESOURCES_ACCESS_ID,optional"`
	AccessKey       string `env:"RESOURCES_ACCESS_KEY,optional"`
	Postgres        string `env:"POSTGRES,optional" description:"the connection string for the Postgres DB"`
	PostgresSchema  string `env:"POSTGRES_SCHEMA,optional"`
	JWTSecret       string `env:"JWT_SECRET,optional"`
}

func main() {
	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default()

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		rlog.Fatalln(err)
	}

	source, err := config.NewS3Source(config.S3SourceConfiguration{
		AWSBucketName: service.ResourcesBucket,
		AWSRegion:     service.ResourcesRegion,
		KeyPrefix:     service.ResourcesKey,
		AccessID:      service.AccessID,
		AccessKey:     service.AccessKey,
	})
	if err != nil {
		rlog.Fatalln(err)
	}

	registry := datasource.NewRegistry()
	if err := registry.Register(memory.Type, memory.New()); err != nil {
		rlog.Fatalln(err)
	}
	if service.Postgres != "" {
		db, err := postgres.OpenWithSchema(service.Postgres, service.PostgresSchema)
		if err != nil {
			rlog.Fatalln(err)
		}
		if err := registry.Register(postgres.Type, postgres.New(db)); err != nil {
			rlog.Fatalln(err)
		}
	}

	a := api.MustNew(api.Builder{
		Config:      source,
		DataSources: registry,
	})
	if err := a.Init(context.Background()); err != nil {
		rlog.Fatalln(err)
	}

	server := httpserver.New(httpserver.Config{
		API:         a,
		PostTimeout: 10 * time.Second,
		JWTSecret:   []byte(service.JWTSecret),
	})
	lambda.Start(httpadapter.New(server.Handler()).ProxyWithContext)
}
