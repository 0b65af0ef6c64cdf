package errors_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/aptpod/routerlink-go/errors"
)

func TestNoRouteError(t *testing.T) {
	peer, msg := "peer", "message"
	var err error = Errorf("send: %w", &NoRouteError{Peer: peer, Message: msg})

	assert.True(t, Is(err, ErrNoRoute))
	assert.True(t, Is(err, ErrRouterLink))
	assert.False(t, Is(err, ErrQueueClosed))

	got, ok := AsNoRouteError(err)
	require.True(t, ok)
	assert.Equal(t, peer, got.Peer)
	assert.Equal(t, msg, got.Message)
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Key: "transports.noise.listen", Err: ErrMissingListenAddress}
	assert.True(t, Is(err, ErrMissingListenAddress))
	assert.True(t, Is(err, ErrRouterLink))
	assert.Contains(t, err.Error(), "transports.noise.listen")
}

func TestListenerError(t *testing.T) {
	err := &ListenerError{Transport: "noise", Err: ErrConnectionClosed}
	assert.True(t, Is(err, ErrConnectionClosed))
	assert.Equal(t, "noise listener: closed connection: routerlink", err.Error())
}

func TestSentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "queue closed", err: ErrQueueClosed},
		{name: "queue full", err: ErrQueueFull},
		{name: "already started", err: ErrAlreadyStarted},
		{name: "persist", err: ErrPersistKeyMaterial},
		{name: "too large", err: ErrMessageTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, Is(tt.err, ErrRouterLink))
		})
	}
	assert.True(t, Is(ErrMessageTooLarge, ErrMalformedMessage))
}
