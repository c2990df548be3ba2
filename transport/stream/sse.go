package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/casualjim/conduit/transport"
	json "github.com/goccy/go-json"
)

const (
	defaultEventName = "message"
	maxLineSize      = 1 << 20
)

// ErrUnframable is returned for a channel name or message id that cannot be
// written on a single event-stream field line.
var ErrUnframable = errors.New("value breaks event-stream framing")

// event is one parsed server-sent event.
type event struct {
	ID    string
	HasID bool
	Name  string
	Data  string
	Retry time.Duration
}

// body is the JSON carried in the data field of every event.
type body struct {
	Payload  json.RawMessage     `json:"payload"`
	Metadata *transport.Metadata `json:"metadata,omitempty"`
}

// readEvents parses a text/event-stream until r is exhausted. onRetry is
// called for every valid retry field, onEvent for every dispatched event.
func readEvents(r io.Reader, onRetry func(time.Duration), onEvent func(event)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		cur  event
		data []string
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(data) > 0 {
				cur.Data = strings.Join(data, "\n")
				if cur.Name == "" {
					cur.Name = defaultEventName
				}
				onEvent(cur)
			}
			cur, data = event{}, data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			cur.Name = value
		case "data":
			data = append(data, value)
		case "id":
			if !strings.ContainsRune(value, 0) {
				cur.ID, cur.HasID = value, true
			}
		case "retry":
			if ms, err := strconv.ParseUint(value, 10, 32); err == nil {
				onRetry(time.Duration(ms) * time.Millisecond)
			}
		}
	}
	return sc.Err()
}

// writeEvent renders msg as a server-sent event named after its channel.
func writeEvent(buf *bytes.Buffer, msg transport.Message) error {
	if strings.ContainsAny(msg.Channel, "\r\n") {
		return fmt.Errorf("%w: channel %q", ErrUnframable, msg.Channel)
	}
	if strings.ContainsAny(msg.MessageID, "\r\n\x00") {
		return fmt.Errorf("%w: message id %q", ErrUnframable, msg.MessageID)
	}
	data, err := json.Marshal(body{Payload: msg.Payload, Metadata: msg.Metadata})
	if err != nil {
		return err
	}
	if msg.MessageID != "" {
		buf.WriteString("id: ")
		buf.WriteString(msg.MessageID)
		buf.WriteByte('\n')
	}
	buf.WriteString("event: ")
	buf.WriteString(msg.Channel)
	buf.WriteByte('\n')
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return nil
}

func writeRetry(buf *bytes.Buffer, d time.Duration) {
	buf.WriteString("retry: ")
	buf.WriteString(strconv.FormatInt(d.Milliseconds(), 10))
	buf.WriteString("\n\n")
}
