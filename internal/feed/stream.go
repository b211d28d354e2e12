package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tmaxmax/go-sse"
)

// ContentType is the media type of the change stream
const ContentType = "text/event-stream"

// NewMessage frames ev as one server-sent event; the event id is the row revision
func NewMessage(ev Event) (*sse.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}
	msg := &sse.Message{
		ID:   sse.ID(strconv.FormatInt(ev.Record.Revision, 10)),
		Type: sse.Type(strings.ToLower(ev.Type)),
	}
	msg.AppendData(string(data))
	return msg, nil
}

// Send writes ev to an upgraded connection and flushes it
func Send(sess *sse.Session, ev Event) error {
	msg, err := NewMessage(ev)
	if err != nil {
		return err
	}
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return sess.Flush()
}

// Heartbeat writes a comment line so idle proxies keep the connection open
func Heartbeat(sess *sse.Session) error {
	msg := &sse.Message{}
	msg.AppendComment("ping")
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("writing heartbeat: %w", err)
	}
	return sess.Flush()
}
