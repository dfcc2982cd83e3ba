//go:build test

package gatt

import (
	"context"
	"testing"
	"time"

	"github.com/srg/gattlink/pkg/transport"
	"github.com/srg/gattlink/pkg/transport/loopback"
	"github.com/stretchr/testify/require"
)

// linkPair returns the two ends of a fresh loopback link.
func linkPair(t *testing.T) (central, peripheral transport.Channel) {
	t.Helper()

	fabric := loopback.NewFabric(loopback.DefaultOptions(), nil)
	ch, err := fabric.NewHost("11:22:33:44:55:66")
	require.NoError(t, err)
	ph, err := fabric.NewHost("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)

	require.NoError(t, ph.EnableAdvertising())
	l, err := ph.Listen()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	accepted := make(chan transport.Channel, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	central, err = ch.Dial(ctx, ph.Addr())
	require.NoError(t, err)

	select {
	case peripheral = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
	}
	t.Cleanup(func() {
		_ = central.Close()
		_ = peripheral.Close()
	})
	return central, peripheral
}

// receiveWithin reads one PDU or fails the test after d.
func receiveWithin(t *testing.T, ch transport.Channel, d time.Duration) []byte {
	t.Helper()

	type result struct {
		pdu []byte
		err error
	}
	out := make(chan result, 1)
	go func() {
		pdu, err := ch.Receive()
		out <- result{pdu, err}
	}()

	select {
	case r := <-out:
		require.NoError(t, r.err)
		return r.pdu
	case <-time.After(d):
		t.Fatalf("no PDU within %s", d)
		return nil
	}
}
