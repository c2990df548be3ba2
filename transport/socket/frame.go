package socket

import (
	"github.com/casualjim/conduit/transport"
	json "github.com/goccy/go-json"
)

// FrameType discriminates wire envelopes.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"
	// FrameMessage is a delivery from the peer to this side.
	FrameMessage FrameType = "message"
)

// Frame is the JSON envelope exchanged over the websocket.
type Frame struct {
	Type      FrameType           `json:"type"`
	Channel   string              `json:"channel"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	MessageID string              `json:"messageId,omitempty"`
	TargetIDs []string            `json:"targetIds,omitempty"`
	Metadata  *transport.Metadata `json:"metadata,omitempty"`
}

func controlFrame(typ FrameType, channel string) Frame {
	return Frame{Type: typ, Channel: channel}
}

func messageFrame(typ FrameType, msg transport.Message) Frame {
	return Frame{
		Type:      typ,
		Channel:   msg.Channel,
		Payload:   msg.Payload,
		MessageID: msg.MessageID,
		TargetIDs: msg.TargetIDs,
		Metadata:  msg.Metadata,
	}
}

func (f Frame) message() transport.Message {
	return transport.Message{
		Channel:   f.Channel,
		Payload:   f.Payload,
		MessageID: f.MessageID,
		TargetIDs: f.TargetIDs,
		Metadata:  f.Metadata,
	}
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}
