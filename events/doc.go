// Package events declares the named events an application exchanges.
//
// A Definition binds an event name to the validator its payloads must pass,
// and optionally to a channel override, a routing prefix and a validator for
// the filterable attributes published with it. A Registry is built once at
// startup from a set of definitions and is read only afterwards.
//
//	reg, err := events.NewRegistry(
//		events.MustDefine("orderCreated", schema.For[OrderCreated]()),
//		events.MustDefine("userSignedUp", schema.For[UserSignedUp](), events.WithPrefix("tenant-a.")),
//	)
//
// Channel names resolve as Prefix + (Channel or Name), so the second event above
// travels on "tenant-a.userSignedUp".
package events
