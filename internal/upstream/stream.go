package upstream

import "io"

// cancelOnCloseReadCloser cancels the upstream request's context when the
// client (or the relay loop) closes the stream, so a disconnected client
// doesn't leave the upstream generation running, spec §4.4.2/§5.
type cancelOnCloseReadCloser struct {
	io.ReadCloser
	cancel func()
}

func (c cancelOnCloseReadCloser) Close() error {
	err := c.ReadCloser.Close()
	if c.cancel != nil {
		c.cancel()
	}
	return err
}

// prefixedReadCloser replays a previously-consumed prefix before resuming
// reads from the wrapped stream.
type prefixedReadCloser struct {
	prefix []byte
	io.ReadCloser
}

func (p *prefixedReadCloser) Read(buf []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(buf, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.ReadCloser.Read(buf)
}

// StreamFirstByteGuardErr is returned by NewFirstByteGuardedStream when the
// upstream closes its body before emitting a single byte.
type StreamFirstByteGuardErr struct{ Err error }

func (e *StreamFirstByteGuardErr) Error() string {
	if e.Err == nil {
		return "upstream stream ended before first byte"
	}
	return "upstream stream ended before first byte: " + e.Err.Error()
}

func (e *StreamFirstByteGuardErr) Unwrap() error { return e.Err }

// NewFirstByteGuardedStream wraps body so closing it also cancels cancel,
// and peeks a single byte to guard against a 200 response that immediately
// ends with zero bytes — which breaks strict JSON-streaming clients (spec
// §4.4.2). On a clean peek it returns a ReadCloser that replays the peeked
// byte before resuming normal reads; on an empty-before-first-byte upstream
// it returns a *StreamFirstByteGuardErr and the wrapped stream is already
// closed (and cancel already invoked).
func NewFirstByteGuardedStream(body io.ReadCloser, cancel func()) (io.ReadCloser, error) {
	guarded := cancelOnCloseReadCloser{ReadCloser: body, cancel: cancel}

	firstByte := make([]byte, 1)
	n, err := guarded.Read(firstByte)
	if n == 0 && err != nil {
		_ = guarded.Close()
		return nil, &StreamFirstByteGuardErr{Err: err}
	}
	if n == 0 {
		return guarded, nil
	}
	return &prefixedReadCloser{prefix: firstByte[:n], ReadCloser: guarded}, nil
}

// CopyChunked relays src to dst in 4KiB chunks, flushing after each write so
// a client sees data as it arrives rather than buffered to completion, spec
// §4.4.2. flush may be nil if the destination doesn't support it.
func CopyChunked(dst io.Writer, src io.Reader, flush func()) (int64, error) {
	buf := make([]byte, 4096)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if flush != nil {
				flush()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}
