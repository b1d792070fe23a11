package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferAppendAndPollOrdering(t *testing.T) {
	rb := newRingBuffer(1024)
	rb.append("stdout", []byte("hello"))
	rb.append("stderr", []byte("world"))
	rb.finish(0, Usage{WallMs: 5})

	frames, complete, gap := rb.poll(0, 0)
	require.Len(t, frames, 3)
	assert.True(t, complete)
	assert.Zero(t, gap)
	assert.Equal(t, int64(1), frames[0].Seq)
	assert.Equal(t, int64(2), frames[1].Seq)
	assert.Equal(t, int64(3), frames[2].Seq)
	assert.Equal(t, 0, *frames[2].ExitCode)
}

func TestRingBufferPollAfterCurrentMaxReturnsEmpty(t *testing.T) {
	rb := newRingBuffer(1024)
	rb.append("stdout", []byte("hi"))

	frames, complete, gap := rb.poll(1, 0)
	assert.Empty(t, frames)
	assert.False(t, complete)
	assert.Zero(t, gap)
}

func TestRingBufferEvictsOldestUnderByteBudget(t *testing.T) {
	rb := newRingBuffer(10)
	rb.append("stdout", []byte("0123456789")) // seq 1, exactly fills budget
	rb.append("stdout", []byte("abcde"))       // seq 2, forces eviction of seq 1

	frames, _, gap := rb.poll(0, 0)
	require.Len(t, frames, 1)
	assert.Equal(t, int64(2), frames[0].Seq)
	assert.Equal(t, int64(2), gap, "poll from before the retained window reports the new floor")
}

func TestRingBufferPollRespectsResponseCap(t *testing.T) {
	rb := newRingBuffer(1024)
	rb.append("stdout", []byte("aaaaa"))
	rb.append("stdout", []byte("bbbbb"))
	rb.finish(0, Usage{})

	frames, complete, _ := rb.poll(0, 5)
	require.Len(t, frames, 1, "a cap smaller than the remaining output truncates, not errors")
	assert.Equal(t, int64(1), frames[0].Seq)
	assert.False(t, complete, "truncated output is never reported complete even once the buffer finished")
}

func TestRingBufferPollCapAlwaysReturnsAtLeastOneFrame(t *testing.T) {
	rb := newRingBuffer(1024)
	rb.append("stdout", []byte("0123456789"))

	frames, _, _ := rb.poll(0, 1)
	require.Len(t, frames, 1, "a single oversized frame is still returned so the poller makes progress")
}

func TestRingBufferGapMarkerOnStaleCursor(t *testing.T) {
	rb := newRingBuffer(1)
	for i := 0; i < 5; i++ {
		rb.append("stdout", []byte("x"))
	}
	// Budget of 1 byte holds only the latest frame after repeated 1-byte appends.
	frames, _, gap := rb.poll(0, 0)
	require.NotEmpty(t, frames)
	assert.Equal(t, frames[0].Seq, gap)
}
