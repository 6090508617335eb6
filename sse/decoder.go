package sse

import (
	"bytes"
	"log/slog"
)

var (
	dataPrefix = []byte("data: ")
	crlf       = []byte("\r\n")
	lf         = []byte("\n")
)

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithDecoderLogger sets the logger used for recoverable decode anomalies.
func WithDecoderLogger(log *slog.Logger) DecoderOption {
	return func(d *Decoder) { d.log = log }
}

// Decoder incrementally decodes an SSE byte stream. Chunks may arrive at
// arbitrary boundaries; partial frames are buffered until the doubled line
// terminator completes them. A Decoder belongs to a single connection and is
// not safe for concurrent use.
type Decoder struct {
	buf []byte
	sep []byte // detected line terminator, nil until the first complete frame
	dbl []byte // sep doubled, the frame delimiter
	log *slog.Logger
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends chunk to the accumulation buffer and returns every event whose
// frame is now complete. Comments and malformed frames are dropped; Feed
// never fails. Only the underlying connection ending ends decoding.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		if d.sep == nil {
			// The terminator flavor is fixed by the first complete frame and
			// used for every subsequent split on this stream.
			if bytes.Contains(d.buf, []byte("\r\n\r\n")) {
				d.sep, d.dbl = crlf, []byte("\r\n\r\n")
			} else if bytes.Contains(d.buf, []byte("\n\n")) {
				d.sep, d.dbl = lf, []byte("\n\n")
			} else {
				return events
			}
		}

		end := bytes.Index(d.buf, d.dbl)
		if end < 0 {
			return events
		}

		frame := d.buf[:end]
		d.buf = d.buf[end+len(d.dbl):]

		if ev, ok := d.parseFrame(frame); ok {
			events = append(events, ev)
		}
	}
}

func (d *Decoder) parseFrame(frame []byte) (Event, bool) {
	lines := bytes.Split(frame, d.sep)

	first := lines[0]
	var typ, rest []byte
	if colon := bytes.IndexByte(first, ':'); colon >= 0 {
		typ = first[:colon]
		if colon+2 <= len(first) {
			rest = first[colon+2:]
		}
	} else {
		typ = first
	}

	if len(typ) == 0 {
		// Comment frame. Keepalive pings are expected chatter; anything else
		// is an anomaly worth surfacing but never fatal.
		if bytes.HasPrefix(rest, []byte("ping")) {
			return Event{}, false
		}
		d.log.Warn("sse.frame.comment.unknown", slog.String("data", string(rest)))
		return Event{}, false
	}

	if !bytes.Equal(typ, []byte("event")) {
		return Event{}, false
	}

	if len(lines) < 2 || !bytes.HasPrefix(lines[1], dataPrefix) {
		d.log.Warn("sse.frame.data.malformed", slog.String("frame", string(frame)))
		return Event{}, false
	}

	data := append([]byte(nil), lines[1][len(dataPrefix):]...)
	return Event{Key: string(rest), Data: data}, true
}
