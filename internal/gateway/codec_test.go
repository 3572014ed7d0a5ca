package gateway

import (
	"bytes"
	"compress/zlib"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compressor wraps a zlib stream the way the gateway compresses its
// transport: one shared context, a sync flush after every payload.
type compressor struct {
	buf bytes.Buffer
	zw  *zlib.Writer
}

func newCompressor() *compressor {
	c := &compressor{}
	c.zw = zlib.NewWriter(&c.buf)
	return c
}

func (c *compressor) frame(t *testing.T, payload []byte) []byte {
	t.Helper()
	_, err := c.zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, c.zw.Flush())
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	c.buf.Reset()
	return out
}

func recvPayload(t *testing.T, d *Decoder) []byte {
	t.Helper()
	select {
	case raw, ok := <-d.Payloads():
		require.True(t, ok, "payload channel closed: %v", d.Err())
		return raw
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded payload")
		return nil
	}
}

func TestDecoderSinglePayload(t *testing.T) {
	d := NewDecoder()
	defer d.Close()

	z := newCompressor()
	msg := []byte(`{"op":10,"d":{"heartbeat_interval":45000}}`)
	require.NoError(t, d.Push(z.frame(t, msg)))

	assert.JSONEq(t, string(msg), string(recvPayload(t, d)))
}

func TestDecoderPayloadSplitAcrossFrames(t *testing.T) {
	d := NewDecoder()
	defer d.Close()

	z := newCompressor()
	msg := []byte(`{"op":0,"s":7,"t":"MESSAGE_CREATE","d":{"content":"hello"}}`)
	frame := z.frame(t, msg)

	// A payload may arrive in several socket frames; only the frame
	// carrying the flush suffix completes it.
	mid := len(frame) / 2
	require.NoError(t, d.Push(frame[:mid]))

	select {
	case raw := <-d.Payloads():
		t.Fatalf("payload decoded before flush suffix: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, d.Push(frame[mid:]))
	assert.JSONEq(t, string(msg), string(recvPayload(t, d)))
}

func TestDecoderSharedContextAcrossPayloads(t *testing.T) {
	d := NewDecoder()
	defer d.Close()

	z := newCompressor()
	first := []byte(`{"op":11}`)
	second := []byte(`{"op":0,"s":1,"t":"READY","d":{"session_id":"abc"}}`)

	require.NoError(t, d.Push(z.frame(t, first)))
	assert.JSONEq(t, string(first), string(recvPayload(t, d)))

	// The second payload reuses the same compression context; a decoder
	// that reset per payload would fail here.
	require.NoError(t, d.Push(z.frame(t, second)))
	assert.JSONEq(t, string(second), string(recvPayload(t, d)))
}

func TestDecoderCorruptStream(t *testing.T) {
	d := NewDecoder()
	defer d.Close()

	garbage := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00, 0xff, 0xff}
	require.NoError(t, d.Push(garbage))

	select {
	case _, ok := <-d.Payloads():
		assert.False(t, ok, "expected channel close on corrupt stream")
		assert.Error(t, d.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("decoder did not surface corruption")
	}
}

func TestDecoderPushAfterClose(t *testing.T) {
	d := NewDecoder()
	d.Close()
	assert.ErrorIs(t, d.Push([]byte{0x01, 0x00, 0x00, 0xff, 0xff}), ErrDecoderClosed)
}
