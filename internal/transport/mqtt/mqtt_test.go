package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/modeltable/internal/transport"
)

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", BrokerURL(transport.Config{Host: "localhost", Port: 1883}))
	assert.Equal(t, "ssl://broker:8883", BrokerURL(transport.Config{Host: "broker", Port: 8883, TLS: true}))
}

func TestOptions(t *testing.T) {
	c := New(transport.Config{
		Host:     "localhost",
		Port:     1883,
		ClientID: "worker-1",
		Username: "u",
		Password: "p",
	}, nil)
	opts := c.options()

	assert.Equal(t, "worker-1", opts.ClientID)
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, "p", opts.Password)
	assert.Len(t, opts.Servers, 1)
	assert.Equal(t, 10*time.Second, opts.ConnectTimeout)
	assert.Nil(t, opts.TLSConfig)
}

func TestNotConnected(t *testing.T) {
	c := New(transport.Config{Host: "localhost", Port: 1883}, nil)
	ctx := context.Background()

	assert.ErrorIs(t, c.Subscribe(ctx, "t"), transport.ErrNotConnected)
	assert.ErrorIs(t, c.Unsubscribe(ctx, "t"), transport.ErrNotConnected)
	assert.ErrorIs(t, c.Publish(ctx, "t", nil), transport.ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestConnectFailure(t *testing.T) {
	c := New(transport.Config{Host: "127.0.0.1", Port: 1, ClientID: "t", ConnectTimeout: 100 * time.Millisecond}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Connect(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "tcp://127.0.0.1:1")
}
