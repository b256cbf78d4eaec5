package wsbridge

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/vessel/bridge"
	"github.com/coachpo/vessel/codec"
)

func wsURL(t *testing.T, server *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func startRelay(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	relay := NewServer()
	httpServer := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		httpServer.Close()
	})
	return relay, httpServer
}

func dialClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return client
}

func TestEnvelopeCrossesClients(t *testing.T) {
	relay, httpServer := startRelay(t)
	url := wsURL(t, httpServer)

	sender := dialClient(t, url)
	receiver := dialClient(t, url)

	received := make(chan bridge.Envelope, 4)
	remove := receiver.Subscribe(func(e bridge.Envelope) { received <- e })
	defer remove()

	echoed := make(chan bridge.Envelope, 4)
	removeEcho := sender.Subscribe(func(e bridge.Envelope) { echoed <- e })
	defer removeEcho()

	deadline := time.Now().Add(3 * time.Second)
	for relay.PeerCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("peers not connected: %d", relay.PeerCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	env := bridge.Envelope{
		Namespace: "app",
		Key:       "room",
		OldValue:  nil,
		NewValue: &codec.Record{ //nolint:exhaustruct
			State:   map[string]any{"title": "synced"},
			Version: 1,
		},
		Origin: "ctx-a",
	}
	if err := sender.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got.Key != "room" || got.Origin != "ctx-a" {
			t.Fatalf("envelope mismatch: %+v", got)
		}
		state, _ := got.NewValue.State.(map[string]any)
		if state["title"] != "synced" {
			t.Fatalf("state mismatch: %+v", got.NewValue.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the relayed envelope")
	}

	// The relay never echoes a frame back to its sender.
	select {
	case e := <-echoed:
		t.Fatalf("sender received its own envelope: %+v", e)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDialFailsFastAgainstDeadServer(t *testing.T) {
	_, httpServer := startRelay(t)
	url := wsURL(t, httpServer)
	httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, url); err == nil {
		t.Fatal("expected dial failure against a closed server")
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	_, httpServer := startRelay(t)
	client := dialClient(t, wsURL(t, httpServer))

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	err := client.Publish(context.Background(), bridge.Envelope{}) //nolint:exhaustruct
	if err == nil {
		t.Fatal("expected publish failure after close")
	}
}
