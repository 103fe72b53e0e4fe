// Package remote implements the generation backend contract over NATS
// request/reply, for model-serving workers reachable on a subject.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsclient "github.com/nats-io/nats.go"
	internalnats "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/llms"
	"go.uber.org/zap"
)

// Config holds the remote backend settings.
type Config struct {
	// Connection configures the NATS connection. Required.
	Connection *internalnats.ConnectionConfig

	// Subject is the request subject the model-serving worker listens on.
	// Required.
	Subject string

	// RequestTimeout bounds one request/reply exchange. Defaults to one
	// minute.
	RequestTimeout time.Duration

	// Logger receives connection-state logs. Optional.
	Logger *zap.Logger
}

// generateRequest is the wire format sent to the worker, one request per
// prompt.
type generateRequest struct {
	Prompt string   `json:"prompt"`
	Stop   []string `json:"stop,omitempty"`
	N      int      `json:"n"`
}

// generateReply is the wire format returned by the worker.
type generateReply struct {
	Generations []string `json:"generations"`
	Error       string   `json:"error,omitempty"`
}

// Generator issues one NATS request per prompt and decodes the worker's
// generations.
type Generator struct {
	conn    *natsclient.Conn
	subject string
	timeout time.Duration
	logger  *zap.Logger
}

// New connects to NATS and creates a remote backend.
func New(ctx context.Context, config Config) (*Generator, error) {
	if config.Connection == nil {
		return nil, fmt.Errorf("connection config is required")
	}
	if config.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := internalnats.Connect(ctx, config.Connection, logger)
	if err != nil {
		return nil, err
	}

	return &Generator{
		conn:    conn,
		subject: config.Subject,
		timeout: config.RequestTimeout,
		logger:  logger,
	}, nil
}

// Generate implements llms.Generator.
func (g *Generator) Generate(ctx context.Context, prompts []string, opts llms.Options) ([]llms.Result, error) {
	if !internalnats.IsConnected(g.conn) {
		return nil, fmt.Errorf("not connected to NATS")
	}

	results := make([]llms.Result, 0, len(prompts))
	for i, p := range prompts {
		payload, err := json.Marshal(generateRequest{
			Prompt: p,
			Stop:   opts.Stop,
			N:      opts.Completions(),
		})
		if err != nil {
			return nil, fmt.Errorf("marshal request for prompt %d: %w", i, err)
		}

		requestCtx, cancel := context.WithTimeout(ctx, g.timeout)
		msg, err := g.conn.RequestWithContext(requestCtx, g.subject, payload)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("request for prompt %d: %w", i, err)
		}

		var reply generateReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return nil, fmt.Errorf("decode reply for prompt %d: %w", i, err)
		}
		if reply.Error != "" {
			return nil, fmt.Errorf("worker error for prompt %d: %s", i, reply.Error)
		}
		if len(reply.Generations) == 0 {
			return nil, fmt.Errorf("worker returned no generations for prompt %d", i)
		}
		results = append(results, llms.Result{Generations: reply.Generations})
	}
	return results, nil
}

// Close drains the underlying NATS connection.
func (g *Generator) Close() error {
	return internalnats.Close(g.conn)
}

var _ llms.Generator = (*Generator)(nil)
