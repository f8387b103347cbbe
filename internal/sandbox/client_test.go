package sandbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(streamType byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = streamType
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	return append(header, payload...)
}

func TestDemultiplexStreamsSplitsStdoutStderr(t *testing.T) {
	var input bytes.Buffer
	input.Write(frame(1, "out1"))
	input.Write(frame(2, "err1"))
	input.Write(frame(1, "out2"))

	var stdout, stderr bytes.Buffer
	require.NoError(t, demultiplexStreams(&input, &stdout, &stderr))
	assert.Equal(t, "out1out2", stdout.String())
	assert.Equal(t, "err1", stderr.String())
}

func TestDemultiplexStreamsSkipsEmptyFrames(t *testing.T) {
	var input bytes.Buffer
	input.Write(frame(1, ""))
	input.Write(frame(2, "oops"))

	var stdout, stderr bytes.Buffer
	require.NoError(t, demultiplexStreams(&input, &stdout, &stderr))
	assert.Empty(t, stdout.String())
	assert.Equal(t, "oops", stderr.String())
}

func TestDrainExecStreamsCompletesNormally(t *testing.T) {
	input := bytes.NewReader(frame(1, "done"))

	var stdout, stderr bytes.Buffer
	require.NoError(t, drainExecStreams(context.Background(), input, func() {}, &stdout, &stderr))
	assert.Equal(t, "done", stdout.String())
}

func TestDrainExecStreamsReturnsOnDeadline(t *testing.T) {
	// A connection that never delivers a frame, like a hung agent process
	// holding the exec stream open.
	server, client := net.Pipe()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var stdout, stderr bytes.Buffer
	start := time.Now()
	err := drainExecStreams(ctx, client, func() { client.Close() }, &stdout, &stderr)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second, "read loop must unblock at the deadline")
}
