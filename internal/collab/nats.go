package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/cardline/internal/evidence"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/cardline/internal/collab"

const maxReplySize = 8 << 20

// NATSClient implements Generator and EvidenceCollector over NATS
// request/reply.
type NATSClient struct {
	nc              *nats.Conn
	generateSubject string
	evidenceSubject string
	timeout         time.Duration
	logger          *zap.Logger
	tracer          trace.Tracer
}

// NATSConfig names the collaborator subjects.
type NATSConfig struct {
	GenerateSubject string
	EvidenceSubject string

	// Timeout bounds each request. An earlier ctx deadline still applies.
	Timeout time.Duration
}

// NewNATSClient creates a client on an established connection.
func NewNATSClient(nc *nats.Conn, cfg NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	if nc == nil {
		return nil, errors.New("collab: nats connection is required")
	}
	if cfg.GenerateSubject == "" || cfg.EvidenceSubject == "" {
		return nil, errors.New("collab: generate and evidence subjects are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSClient{
		nc:              nc,
		generateSubject: cfg.GenerateSubject,
		evidenceSubject: cfg.EvidenceSubject,
		timeout:         cfg.Timeout,
		logger:          logger,
		tracer:          otel.Tracer(instrumentationName),
	}, nil
}

// Generate requests an artifact.
func (c *NATSClient) Generate(ctx context.Context, req GenerateRequest) (*Artifact, error) {
	var a Artifact
	if err := c.request(ctx, c.generateSubject, req.UnitID, req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Collect requests an evidence bundle.
func (c *NATSClient) Collect(ctx context.Context, req EvidenceRequest) (evidence.Bundle, error) {
	var b evidence.Bundle
	if err := c.request(ctx, c.evidenceSubject, req.UnitID, req, &b); err != nil {
		return evidence.Bundle{}, err
	}
	return b, nil
}

func (c *NATSClient) request(ctx context.Context, subject, unitID string, in, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "collab.request", trace.WithAttributes(
		attribute.String("messaging.destination", subject),
		attribute.String("unit.id", unitID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// The caller's deadline still wins when it is earlier.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encoding request: %v", ErrRejected, err)
	}
	start := time.Now()
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("collab: %s: %w", subject, err)
	}
	if len(msg.Data) > maxReplySize {
		return fmt.Errorf("%w: %s: reply of %d bytes exceeds limit", ErrRejected, subject, len(msg.Data))
	}

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return fmt.Errorf("collab: %s: decoding reply: %w", subject, err)
	}
	if err := env.err(subject); err != nil {
		return err
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("collab: %s: decoding result: %w", subject, err)
	}
	c.logger.Debug("collaborator replied",
		zap.String("subject", subject),
		zap.String("unit_id", unitID),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Serve answers requests on subject with fn. It is the collaborator side of
// the envelope protocol, used by local stand-ins and tests.
func Serve[Req, Resp any](nc *nats.Conn, subject string, fn func(context.Context, Req) (Resp, error)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var env envelope
		var req Req
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			env = envelope{Rejected: true, Error: "decoding request: " + err.Error()}
		} else if resp, err := fn(context.Background(), req); err != nil {
			env = envelope{Rejected: errors.Is(err, ErrRejected), Error: err.Error()}
		} else if raw, err := json.Marshal(resp); err != nil {
			env = envelope{Error: "encoding result: " + err.Error()}
		} else {
			env = envelope{OK: true, Result: raw}
		}
		out, _ := json.Marshal(env)
		_ = msg.Respond(out)
	})
}
