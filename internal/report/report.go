// Package report publishes pipeline outcomes: one decision per unit, progress
// snapshots as they change, and manual review submissions for units the
// dispatcher gave up on.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/cardline/internal/decision"
	"github.com/fyrsmithlabs/cardline/internal/dispatcher"
	"github.com/fyrsmithlabs/cardline/internal/progress"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Publisher receives pipeline outcomes.
type Publisher interface {
	PublishDecision(ctx context.Context, d decision.Decision) error
	PublishProgress(ctx context.Context, unitID string, snap progress.Snapshot) error
}

// ManualReview is the record submitted for an exhausted unit.
type ManualReview struct {
	UnitID      string          `json:"unit_id"`
	Attempts    int             `json:"attempts"`
	Reason      string          `json:"reason"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// ProgressReport wraps a snapshot with its unit.
type ProgressReport struct {
	UnitID string            `json:"unit_id"`
	At     time.Time         `json:"at"`
	Status progress.Snapshot `json:"status"`
}

var unsafeToken = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// subjectToken makes a unit id usable as a single NATS subject token.
func subjectToken(unitID string) string {
	if unitID == "" {
		return "_"
	}
	return unsafeToken.ReplaceAllString(unitID, "_")
}

// LogPublisher writes outcomes to the log only.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (r *LogPublisher) PublishDecision(_ context.Context, d decision.Decision) error {
	r.logger.Info("unit decided",
		zap.String("unit_id", d.UnitID),
		zap.String("status", string(d.Status)),
		zap.String("next_action", string(d.NextAction)),
		zap.Strings("reasons", d.Reasons))
	return nil
}

func (r *LogPublisher) PublishProgress(_ context.Context, unitID string, snap progress.Snapshot) error {
	r.logger.Debug("unit progress",
		zap.String("unit_id", unitID),
		zap.Float64("percent", snap.Percent),
		zap.Int("completed", snap.Completed),
		zap.Int("total", snap.Total))
	return nil
}

// Submit logs the review request. It implements dispatcher.ManualReviewSink.
func (r *LogPublisher) Submit(_ context.Context, task dispatcher.Task, reason string) error {
	r.logger.Error("unit requires manual review",
		zap.String("unit_id", task.UnitID),
		zap.Int("attempts", task.Attempt+1),
		zap.String("reason", reason))
	return nil
}

// StreamConfig names the reporting stream and subjects.
type StreamConfig struct {
	Stream              string
	SubjectPrefix       string
	ManualReviewSubject string
	MaxAge              time.Duration
}

// NATSPublisher publishes to a JetStream stream so consumers that come up
// later still see every outcome.
type NATSPublisher struct {
	js     jetstream.JetStream
	cfg    StreamConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewNATSPublisher creates or updates the reporting stream.
func NewNATSPublisher(ctx context.Context, js jetstream.JetStream, cfg StreamConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if js == nil {
		return nil, fmt.Errorf("report: jetstream context is required")
	}
	if cfg.SubjectPrefix == "" || cfg.ManualReviewSubject == "" {
		return nil, fmt.Errorf("report: subject prefix and manual review subject are required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "CARDLINE_REPORTS"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "cardline decisions, progress and manual review",
		Subjects:    []string{cfg.SubjectPrefix + ".>", cfg.ManualReviewSubject},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      cfg.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("report: creating stream %s: %w", cfg.Stream, err)
	}
	return &NATSPublisher{js: js, cfg: cfg, logger: logger, now: time.Now}, nil
}

// DecisionSubject is where decisions for unitID are published.
func (r *NATSPublisher) DecisionSubject(unitID string) string {
	return r.cfg.SubjectPrefix + ".decision." + subjectToken(unitID)
}

// ProgressSubject is where progress for unitID is published.
func (r *NATSPublisher) ProgressSubject(unitID string) string {
	return r.cfg.SubjectPrefix + ".progress." + subjectToken(unitID)
}

// PublishDecision publishes d. Resubmitting the same decision is deduplicated.
func (r *NATSPublisher) PublishDecision(ctx context.Context, d decision.Decision) error {
	msgID := fmt.Sprintf("%s-%s-%d", d.UnitID, d.Status, d.DecidedAt.UnixNano())
	return r.publish(ctx, r.DecisionSubject(d.UnitID), msgID, d)
}

// PublishProgress publishes a snapshot.
func (r *NATSPublisher) PublishProgress(ctx context.Context, unitID string, snap progress.Snapshot) error {
	return r.publish(ctx, r.ProgressSubject(unitID), "", ProgressReport{
		UnitID: unitID,
		At:     r.now().UTC(),
		Status: snap,
	})
}

// Submit publishes a manual review request. If publishing fails the record
// is logged in full so it is never silently lost.
func (r *NATSPublisher) Submit(ctx context.Context, task dispatcher.Task, reason string) error {
	rec := ManualReview{
		UnitID:      task.UnitID,
		Attempts:    task.Attempt + 1,
		Reason:      reason,
		Payload:     task.Payload,
		SubmittedAt: r.now().UTC(),
	}
	msgID := fmt.Sprintf("%s-review-%d", task.UnitID, task.Attempt)
	if err := r.publish(ctx, r.cfg.ManualReviewSubject, msgID, rec); err != nil {
		r.logger.Error("manual review publish failed, logging record instead",
			zap.String("unit_id", rec.UnitID),
			zap.Int("attempts", rec.Attempts),
			zap.String("reason", rec.Reason),
			zap.ByteString("payload", rec.Payload),
			zap.Error(err))
		return err
	}
	return nil
}

func (r *NATSPublisher) publish(ctx context.Context, subject, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("report: encoding %s: %w", subject, err)
	}
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := r.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("report: publishing %s: %w", subject, err)
	}
	return nil
}

var (
	_ Publisher                   = (*NATSPublisher)(nil)
	_ Publisher                   = (*LogPublisher)(nil)
	_ dispatcher.ManualReviewSink = (*NATSPublisher)(nil)
	_ dispatcher.ManualReviewSink = (*LogPublisher)(nil)
)
