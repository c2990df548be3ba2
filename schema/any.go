package schema

import (
	"errors"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Dynamic accepts every JSON value. Raw JSON is decoded into its generic
// form, anything else is returned unchanged once it is known to encode.
type Dynamic struct{}

// Any returns the validator for events without a fixed payload shape.
func Any() Dynamic { return Dynamic{} }

func (Dynamic) Validate(v any) (any, error) {
	switch val := v.(type) {
	case json.RawMessage:
		return decodeRaw(val)
	case []byte:
		return decodeRaw(val)
	}
	if _, err := json.Marshal(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeRaw(data []byte) (any, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
