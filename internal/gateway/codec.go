package gateway

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// flushSuffix terminates every complete message on a zlib-stream transport.
// Frames arriving before the suffix are fragments of a larger message.
var flushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// Decoder turns compressed transport frames into complete decoded payload
// buffers. One Decoder serves exactly one connection: the zlib stream spans
// the whole connection, so a decode failure poisons the Decoder and the
// connection must be replaced along with its session.
type Decoder struct {
	pw      *io.PipeWriter
	pending bytes.Buffer // frames awaiting a flush boundary

	payloads chan json.RawMessage
	done     chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// NewDecoder starts the decompression stream for one connection.
func NewDecoder() *Decoder {
	pr, pw := io.Pipe()
	d := &Decoder{
		pw:       pw,
		payloads: make(chan json.RawMessage, 16),
		done:     make(chan struct{}),
	}
	go d.run(pr)
	return d
}

// Push appends one transport frame. When the frame completes a logical
// message (ends with the zlib flush suffix) the accumulated bytes are fed
// to the decompression stream; decoded payloads appear on Payloads.
func (d *Decoder) Push(frame []byte) error {
	d.pending.Write(frame)
	if d.pending.Len() < len(flushSuffix) || !bytes.HasSuffix(d.pending.Bytes(), flushSuffix) {
		return nil
	}
	_, err := d.pw.Write(d.pending.Bytes())
	d.pending.Reset()
	if err != nil {
		return ErrDecoderClosed
	}
	return nil
}

// Payloads returns the stream of complete decoded payload buffers. The
// channel closes when the decoder stops; check Err afterwards.
func (d *Decoder) Payloads() <-chan json.RawMessage {
	return d.payloads
}

// Err returns the decompression error that stopped the decoder, if any.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close tears the decoder down. Pending Push calls unblock with
// ErrDecoderClosed.
func (d *Decoder) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	close(d.done)
	return d.pw.CloseWithError(io.ErrClosedPipe)
}

func (d *Decoder) run(pr *io.PipeReader) {
	defer close(d.payloads)

	zr, err := zlib.NewReader(pr)
	if err != nil {
		d.fail(err)
		pr.CloseWithError(err)
		return
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if !isStreamEnd(err) {
				d.fail(err)
			}
			pr.CloseWithError(err)
			return
		}
		select {
		case d.payloads <- raw:
		case <-d.done:
			pr.CloseWithError(io.ErrClosedPipe)
			return
		}
	}
}

func (d *Decoder) fail(err error) {
	d.mu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.mu.Unlock()
}

// isStreamEnd distinguishes an orderly teardown from stream corruption.
func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe)
}
