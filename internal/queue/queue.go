// Package queue implements a named durable message queue on PostgreSQL with
// visibility-timeout semantics and at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/db"
)

// Queue names used by the pipeline.
const (
	QueueRepoAnalysis  = "repo_analysis"
	QueueWebhookEvents = "webhook_events"
)

// Visibility timeouts per queue.
const (
	AnalysisVisibility = 60 * time.Second
	WebhookVisibility  = 300 * time.Second
)

// ErrUnavailable is returned when the queue backend rejects an enqueue.
var ErrUnavailable = errors.New("queue unavailable")

// Message is one leased queue message. The lease lasts for the visibility
// timeout passed to Read; consumers must Delete to acknowledge.
type Message struct {
	MsgID      uuid.UUID
	ReadCount  int
	EnqueuedAt time.Time
	VisibleAt  time.Time
	Body       json.RawMessage
}

// Queue is a named durable queue backed by the queue_messages table.
type Queue struct {
	db     *db.DB
	logger *logger.Logger
}

// New creates a Queue.
func New(database *db.DB, log *logger.Logger) *Queue {
	return &Queue{
		db:     database,
		logger: log.WithFields(zap.String("component", "queue")),
	}
}

// Send enqueues a message. It never blocks on consumers; backend errors
// surface synchronously as ErrUnavailable.
func (q *Queue) Send(ctx context.Context, queue string, body any) (uuid.UUID, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal message body: %w", err)
	}

	msgID := uuid.New()
	_, err = q.db.Exec(ctx,
		`INSERT INTO queue_messages (queue, msg_id, body) VALUES ($1, $2, $3)`,
		queue, msgID, data)
	if err != nil {
		q.logger.Error("enqueue failed", zap.String("queue", queue), zap.Error(err))
		return uuid.Nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	q.logger.Debug("message enqueued",
		zap.String("queue", queue),
		zap.String("msg_id", msgID.String()))
	return msgID, nil
}

// Read pops at most one visible message and hides it from other consumers
// for the visibility timeout. Returns (nil, nil) immediately when the queue
// is empty. Redelivery after the timeout increments ReadCount; consumers
// inspect it to bound retries.
func (q *Queue) Read(ctx context.Context, queue string, visibility time.Duration) (*Message, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE queue_messages
		SET read_ct = read_ct + 1, visible_at = now() + $3::interval
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = $1 AND visible_at <= now()
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND queue = $2
		RETURNING msg_id, read_ct, enqueued_at, visible_at, body`,
		queue, queue, fmt.Sprintf("%d seconds", int(visibility.Seconds())))

	var msg Message
	err := row.Scan(&msg.MsgID, &msg.ReadCount, &msg.EnqueuedAt, &msg.VisibleAt, &msg.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", queue, err)
	}
	return &msg, nil
}

// Delete acknowledges a message. Deleting an already-deleted message is a
// no-op.
func (q *Queue) Delete(ctx context.Context, queue string, msgID uuid.UUID) error {
	_, err := q.db.Exec(ctx,
		`DELETE FROM queue_messages WHERE queue = $1 AND msg_id = $2`,
		queue, msgID)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", queue, err)
	}
	return nil
}

// Len returns the number of messages currently in a queue, leased or not.
func (q *Queue) Len(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT count(*) FROM queue_messages WHERE queue = $1`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", queue, err)
	}
	return n, nil
}
