// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package sqsevents forwards engine events to an AWS SQS queue, the
// serverless sibling of the kafkaevents plugin.
package sqsevents

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/mosaik/core/api"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/logger"
)

// Message is the payload sent to the queue.
type Message struct {
	Event         string          `json:"event"`
	Resource      string          `json:"resource"`
	Action        string          `json:"action"`
	Status        int             `json:"status"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	LoggerContext json.RawMessage `json:"loggerContext"`
}

// Plugin sends request outcomes to an SQS queue.
type Plugin struct {
	client   *sqs.Client
	queueURL string
}

// New creates the plugin using the default AWS credential chain.
func New(ctx context.Context, region, queueURL string) (*Plugin, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &Plugin{client: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

// Name implements api.Plugin.
func (p *Plugin) Name() string { return "sqsevents" }

// Init subscribes to the response event.
func (p *Plugin) Init(ctx context.Context, a *api.API) error {
	return a.On(api.EventResponse, func(ctx context.Context, payload interface{}) error {
		event, ok := payload.(*api.ResponseEvent)
		if !ok {
			return nil
		}
		return p.forward(ctx, event)
	})
}

func (p *Plugin) forward(ctx context.Context, event *api.ResponseEvent) error {
	msg := Message{
		Event:         string(api.EventResponse),
		Resource:      event.Request.Resource,
		Action:        event.Request.Action,
		Timestamp:     time.Now().UTC(),
		LoggerContext: logger.SerializeLoggerContext(ctx),
	}
	if event.Err != nil {
		msg.Status = errs.StatusCode(event.Err)
		msg.Error = event.Err.Error()
	} else {
		msg.Status = event.Response.Meta.StatusCode
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	return err
}

// Close is a no-op, the client holds no connections.
func (p *Plugin) Close() error { return nil }
