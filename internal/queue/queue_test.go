package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/db"
	"github.com/reviewdeck/reviewdeck/internal/store"
)

// testQueue connects to the database named by TEST_DATABASE_DSN. Queue
// semantics (SKIP LOCKED, interval arithmetic) are Postgres behavior, so
// these tests need a real database and skip without one.
func testQueue(t *testing.T) *Queue {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	ctx := context.Background()
	database, err := db.NewDBFromDSN(ctx, dsn, 4, 1)
	require.NoError(t, err)
	t.Cleanup(database.Close)

	require.NoError(t, store.Migrate(ctx, database))
	_, err = database.Exec(ctx, `DELETE FROM queue_messages`)
	require.NoError(t, err)

	return New(database, logger.Default())
}

type testBody struct {
	N int `json:"n"`
}

func TestSendReadDelete(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	msgID, err := q.Send(ctx, "test_queue", testBody{N: 1})
	require.NoError(t, err)

	msg, err := q.Read(ctx, "test_queue", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, msgID, msg.MsgID)
	require.Equal(t, 1, msg.ReadCount)

	// Leased message is invisible to other readers.
	hidden, err := q.Read(ctx, "test_queue", 30*time.Second)
	require.NoError(t, err)
	require.Nil(t, hidden)

	require.NoError(t, q.Delete(ctx, "test_queue", msgID))

	// Idempotent delete.
	require.NoError(t, q.Delete(ctx, "test_queue", msgID))

	n, err := q.Len(ctx, "test_queue")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestReadEmptyQueueReturnsNil(t *testing.T) {
	q := testQueue(t)

	msg, err := q.Read(context.Background(), "empty_queue", time.Second)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestFIFOOrder(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := q.Send(ctx, "fifo_queue", testBody{N: i})
		require.NoError(t, err)
	}

	for i := 1; i <= 3; i++ {
		msg, err := q.Read(ctx, "fifo_queue", 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.JSONEq(t, fmt.Sprintf(`{"n": %d}`, i), string(msg.Body))
		require.NoError(t, q.Delete(ctx, "fifo_queue", msg.MsgID))
	}
}

func TestRedeliveryIncrementsReadCount(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	_, err := q.Send(ctx, "redeliver_queue", testBody{N: 1})
	require.NoError(t, err)

	msg, err := q.Read(ctx, "redeliver_queue", time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, msg.ReadCount)

	// Let the visibility window lapse; the message redelivers with a
	// bumped read count.
	time.Sleep(1500 * time.Millisecond)

	again, err := q.Read(ctx, "redeliver_queue", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, msg.MsgID, again.MsgID)
	require.Equal(t, 2, again.ReadCount)
}
