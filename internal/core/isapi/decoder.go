package isapi

import (
	"bytes"
	"encoding/xml"
	"log/slog"
	"strconv"
	"strings"
)

var (
	alertStartToken = []byte("<EventNotificationAlert")
	alertEndToken   = []byte("</EventNotificationAlert>")
)

// Buffer limits for streams that never produce a start token (e.g. a
// device talking a dialect we do not recognize).
const (
	decoderMaxBuffer  = 64 * 1024
	decoderKeepBuffer = 32 * 1024
)

// StreamDecoder incrementally extracts EventNotificationAlert documents
// from the alertStream multipart body. One decoder is bound to one
// connection; it tolerates boundary markers and XML split across reads,
// empty keep-alive parts, and malformed segments (skipped, logged).
type StreamDecoder struct {
	buf []byte
	log *slog.Logger
}

// NewStreamDecoder creates a decoder for a fresh connection.
func NewStreamDecoder(log *slog.Logger) *StreamDecoder {
	return &StreamDecoder{log: log}
}

// Feed appends a chunk of raw bytes and returns all events completed by it.
// A chunk of any size is fine, including one that splits a token mid-way.
func (d *StreamDecoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		start := bytes.Index(d.buf, alertStartToken)
		if start < 0 {
			// Nothing recognizable buffered. Multipart boundaries and
			// keep-alive parts land here and are discarded by the trim.
			if len(d.buf) > decoderMaxBuffer {
				d.buf = append(d.buf[:0:0], d.buf[len(d.buf)-decoderKeepBuffer:]...)
			}
			return events
		}

		end := bytes.Index(d.buf[start:], alertEndToken)
		if end < 0 {
			// Document still arriving; drop the leading junk and wait.
			if start > 0 {
				d.buf = append(d.buf[:0:0], d.buf[start:]...)
			}
			return events
		}
		end += start + len(alertEndToken)

		doc := d.buf[start:end]
		d.buf = append(d.buf[:0:0], d.buf[end:]...)

		evt, err := ParseEventNotification(doc)
		if err != nil {
			d.log.Warn("isapi: skipping malformed event segment", "error", err, "size", len(doc))
			continue
		}
		events = append(events, evt)
	}
}

// ParseEventNotification parses one EventNotificationAlert XML document.
// Tag matching is namespace-agnostic because firmware revisions disagree
// about the xmlns they stamp on the root element.
func ParseEventNotification(doc []byte) (Event, error) {
	fields := map[string]string{}
	wanted := map[string]bool{
		"eventType":  true,
		"eventState": true,
		"channelID":  true,
		"targetType": true,
		"dateTime":   true,
	}

	dec := xml.NewDecoder(bytes.NewReader(doc))
	var root string
	var current string
	for {
		tok, err := dec.Token()
		if err != nil {
			if root == "" {
				return Event{}, &MalformedSegmentError{Reason: "no root element", Err: err}
			}
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if root == "" {
				root = t.Name.Local
				if root != "EventNotificationAlert" {
					return Event{}, &MalformedSegmentError{Reason: "unexpected root <" + root + ">"}
				}
			}
			current = t.Name.Local
		case xml.EndElement:
			current = ""
		case xml.CharData:
			if !wanted[current] {
				continue
			}
			if _, seen := fields[current]; seen {
				continue
			}
			if text := strings.TrimSpace(string(t)); text != "" {
				fields[current] = text
			}
		}
	}

	channelID, err := strconv.Atoi(fields["channelID"])
	if err != nil || channelID <= 0 {
		return Event{}, &MalformedSegmentError{Reason: "missing or invalid channelID"}
	}

	return Event{
		ChannelID:  channelID,
		Type:       fields["eventType"],
		State:      strings.ToLower(fields["eventState"]),
		TargetType: strings.ToLower(fields["targetType"]),
		DateTime:   fields["dateTime"],
	}, nil
}

// MalformedSegmentError describes a multipart part that could not be
// parsed. It is absorbed locally by the decoder, never surfaced.
type MalformedSegmentError struct {
	Reason string
	Err    error
}

func (e *MalformedSegmentError) Error() string {
	if e.Err != nil {
		return "isapi: malformed segment: " + e.Reason + ": " + e.Err.Error()
	}
	return "isapi: malformed segment: " + e.Reason
}

func (e *MalformedSegmentError) Unwrap() error { return e.Err }
