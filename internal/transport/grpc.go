// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package transport delivers serialized snapshots to the aggregator over
// gRPC. The payload is opaque bytes wrapped in a small JSON envelope; the
// aggregator's response carries no information and is ignored.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
)

// Compile-time interface check
var _ sampling.Transport = (*Client)(nil)

const deliverMethod = "/resmon.aggregator.v1.Intake/DeliverSnapshot"

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type snapshotEnvelope struct {
	Node    string `json:"node"`
	Payload []byte `json:"payload"`
}

type deliverAck struct{}

type options struct {
	addr      string
	secure    bool
	keepalive time.Duration
}

type Option func(*options)

func Addr(a string) Option {
	return func(o *options) {
		o.addr = a
	}
}

func Secure(s bool) Option {
	return func(o *options) {
		o.secure = s
	}
}

func Keepalive(k time.Duration) Option {
	return func(o *options) {
		o.keepalive = k
	}
}

// Client is the gRPC aggregator client.
type Client struct {
	conn   *grpc.ClientConn
	logger logr.Logger
}

func New(logger logr.Logger, opts ...Option) (*Client, error) {
	encoding.RegisterCodec(jsonCodec{})

	cfg := &options{
		secure:    true,
		keepalive: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.addr == "" {
		return nil, fmt.Errorf("aggregator address is required")
	}

	var creds credentials.TransportCredentials
	if cfg.secure {
		creds = credentials.NewTLS(&tls.Config{})
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(cfg.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time: cfg.keepalive,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating aggregator client for %s: %w", cfg.addr, err)
	}

	return &Client{
		conn:   conn,
		logger: logger.WithName("transport"),
	}, nil
}

// DeliverSnapshot sends one serialized snapshot. The aggregator's reply is
// discarded; callers treat this as fire-and-forget.
func (c *Client) DeliverSnapshot(ctx context.Context, nodeName string, payload []byte) error {
	envelope := &snapshotEnvelope{Node: nodeName, Payload: payload}
	var ack deliverAck
	err := c.conn.Invoke(ctx, deliverMethod, envelope, &ack,
		grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json"))
	if err != nil {
		return fmt.Errorf("delivering snapshot for %s: %w", nodeName, err)
	}
	c.logger.V(2).Info("snapshot delivered", "node", nodeName, "bytes", len(payload))
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
