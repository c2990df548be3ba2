package natsx

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestURL(t *testing.T) {
	t.Setenv(EnvURL, "")
	assert.Equal(t, nats.DefaultURL, URL(""))

	t.Setenv(EnvURL, "nats://broker:4222")
	assert.Equal(t, "nats://broker:4222", URL(""))
	assert.Equal(t, "nats://other:4222", URL("nats://other:4222"))
}
