package pubsub

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNATSPubSub_Contract(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	runContract(t, func(t *testing.T) (PubSub, PubSub) {
		prefix := fmt.Sprintf("chatrelay-test-%d", time.Now().UnixNano())
		open := func(name string) PubSub {
			ps, err := NewNATSPubSub(url, name, prefix, logger)
			require.NoError(t, err)
			t.Cleanup(func() { _ = ps.Close() })
			return ps
		}
		return open("contract-a"), open("contract-b")
	})
}

func TestNATSPubSub_Subject(t *testing.T) {
	ps := &NATSPubSub{prefix: "chatrelay"}
	require.Equal(t, "chatrelay.relay", ps.subject("relay"))

	ps.prefix = ""
	require.Equal(t, "presence", ps.subject("presence"))
}
