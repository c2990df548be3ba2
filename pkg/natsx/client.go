// Package natsx builds NATS connections the way every conduit component wants
// them: a resolvable URL, a client name and compression enabled.
package natsx

import (
	"os"

	"github.com/nats-io/nats.go"
)

// EnvURL is the environment variable consulted when no URL is given.
const EnvURL = "NATS_URL"

// URL returns explicit when set, otherwise $NATS_URL, otherwise the NATS
// default URL.
func URL(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvURL); env != "" {
		return env
	}
	return nats.DefaultURL
}

// NewClient connects to url (resolved with URL). With no options the
// connection is named "conduit" and uses compression.
func NewClient(url string, opts ...nats.Option) (*nats.Conn, error) {
	if len(opts) == 0 {
		opts = append(opts, nats.Name("conduit"), nats.Compression(true))
	}
	return nats.Connect(URL(url), opts...)
}
