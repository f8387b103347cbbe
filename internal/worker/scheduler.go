package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/forge"
	"github.com/reviewdeck/reviewdeck/internal/queue"
	"github.com/reviewdeck/reviewdeck/internal/store"
)

// Scheduler is the single cooperative worker loop: one analysis poll and one
// webhook poll per iteration, then sleep. Visibility timeouts provide the
// back-off; redelivery past maxReadCount is dropped.
type Scheduler struct {
	queue        *queue.Queue
	analyzer     *Analyzer
	reviewer     *Reviewer
	pollInterval time.Duration
	maxReadCount int
	logger       *logger.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(q *queue.Queue, analyzer *Analyzer, reviewer *Reviewer,
	pollInterval time.Duration, maxReadCount int, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:        q,
		analyzer:     analyzer,
		reviewer:     reviewer,
		pollInterval: pollInterval,
		maxReadCount: maxReadCount,
		logger:       log.WithFields(zap.String("component", "scheduler")),
	}
}

// Run loops until the context is cancelled. The current iteration always
// finishes; there is no in-flight preemption.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("worker loop started",
		zap.Duration("poll_interval", s.pollInterval),
		zap.Int("max_read_count", s.maxReadCount))

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.pollAnalysis(ctx)
		s.pollWebhooks(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("worker loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) pollAnalysis(ctx context.Context) {
	msg, err := s.queue.Read(ctx, queue.QueueRepoAnalysis, queue.AnalysisVisibility)
	if err != nil {
		s.logger.Error("analysis queue read failed", zap.Error(err))
		return
	}
	if msg == nil {
		return
	}
	log := s.logger.WithFields(zap.String("msg_id", msg.MsgID.String()))

	if msg.ReadCount > s.maxReadCount {
		log.Warn("analysis message exceeded retry budget, dropping",
			zap.Int("read_ct", msg.ReadCount))
		s.deleteMessage(ctx, queue.QueueRepoAnalysis, msg)
		return
	}

	var payload store.RepoAnalysisPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		log.Error("undecodable analysis message, dropping", zap.Error(err))
		s.deleteMessage(ctx, queue.QueueRepoAnalysis, msg)
		return
	}

	if err := s.analyzer.Process(ctx, payload); err != nil {
		// Leave the message; visibility expiry redelivers it.
		log.Error("analysis failed, leaving for redelivery", zap.Error(err))
		return
	}
	s.deleteMessage(ctx, queue.QueueRepoAnalysis, msg)
}

func (s *Scheduler) pollWebhooks(ctx context.Context) {
	msg, err := s.queue.Read(ctx, queue.QueueWebhookEvents, queue.WebhookVisibility)
	if err != nil {
		s.logger.Error("webhook queue read failed", zap.Error(err))
		return
	}
	if msg == nil {
		return
	}
	log := s.logger.WithFields(zap.String("msg_id", msg.MsgID.String()))

	if msg.ReadCount > s.maxReadCount {
		log.Warn("webhook message exceeded retry budget, dropping",
			zap.Int("read_ct", msg.ReadCount))
		s.deleteMessage(ctx, queue.QueueWebhookEvents, msg)
		return
	}

	var ev forge.WebhookEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		log.Error("undecodable webhook message, dropping", zap.Error(err))
		s.deleteMessage(ctx, queue.QueueWebhookEvents, msg)
		return
	}

	switch ev.EventType {
	case forge.EventPROpened, forge.EventPRUpdated:
		err = s.reviewer.Process(ctx, &ev)
	case forge.EventPRClosed, forge.EventPRReopened:
		err = nil
	default:
		log.Warn("unknown event type, dropping", zap.String("event_type", string(ev.EventType)))
		s.deleteMessage(ctx, queue.QueueWebhookEvents, msg)
		return
	}

	switch {
	case err == nil:
		s.deleteMessage(ctx, queue.QueueWebhookEvents, msg)
	case apperrors.IsAdmissionDenied(err):
		log.Info("review skipped", zap.String("reason", err.Error()))
		s.deleteMessage(ctx, queue.QueueWebhookEvents, msg)
	case apperrors.IsAgentMalformed(err):
		// Retrying the same bad invocation only burns quota.
		log.Warn("agent output malformed, consuming message", zap.Error(err))
		s.deleteMessage(ctx, queue.QueueWebhookEvents, msg)
	default:
		log.Error("review failed, leaving for redelivery", zap.Error(err))
	}
}

func (s *Scheduler) deleteMessage(ctx context.Context, queueName string, msg *queue.Message) {
	if err := s.queue.Delete(ctx, queueName, msg.MsgID); err != nil {
		s.logger.Error("queue delete failed",
			zap.String("queue", queueName),
			zap.String("msg_id", msg.MsgID.String()),
			zap.Error(err))
	}
}
