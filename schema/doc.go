// Package schema validates event payloads against JSON schemas reflected from
// Go types.
//
// For[T] reflects T once with github.com/invopop/jsonschema and returns a
// validator that accepts a T, a *T, raw JSON or any JSON encodable value. It
// checks types, required properties, enums and string formats (date-time,
// email, uuid and every other format github.com/go-openapi/strfmt knows),
// then decodes the payload into a T.
//
//	type OrderCreated struct {
//		OrderID string    `json:"orderId"`
//		At      time.Time `json:"at,omitempty"`
//	}
//
//	orders := schema.For[OrderCreated]()
//	v, err := orders.Validate([]byte(`{"orderId":"o1"}`)) // v is OrderCreated
//
// Fields without omitempty are required. A required property may only be null
// when its schema allows null.
package schema
