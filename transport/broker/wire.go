package broker

import (
	"errors"

	"github.com/casualjim/conduit/transport"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var errNotObject = errors.New("broker body is not a JSON object")

// encodeBody builds {"payload":...,"messageId":"...","metadata":{...}}.
func encodeBody(msg transport.Message) ([]byte, error) {
	body := []byte(`{}`)
	payload := []byte(msg.Payload)
	if len(payload) == 0 {
		payload = []byte(`null`)
	}
	body, err := sjson.SetRawBytes(body, "payload", payload)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "messageId", msg.MessageID); err != nil {
		return nil, err
	}
	if msg.Metadata != nil {
		md, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, err
		}
		if body, err = sjson.SetRawBytes(body, "metadata", md); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// decodeBody reverses encodeBody for a message received on channel.
func decodeBody(channel string, data []byte) (transport.Message, error) {
	if !gjson.ValidBytes(data) {
		return transport.Message{}, errNotObject
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return transport.Message{}, errNotObject
	}

	msg := transport.Message{
		Channel:   channel,
		MessageID: res.Get("messageId").String(),
	}
	if payload := res.Get("payload"); payload.Exists() {
		msg.Payload = json.RawMessage(payload.Raw)
	}
	if md := res.Get("metadata"); md.Exists() && md.IsObject() {
		var meta transport.Metadata
		if err := json.Unmarshal([]byte(md.Raw), &meta); err != nil {
			return transport.Message{}, err
		}
		msg.Metadata = &meta
	}
	return msg, nil
}
