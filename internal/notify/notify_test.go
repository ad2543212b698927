package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestQueueHoldsUntilFlush(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	n := New(srv.URL, "", testLogger())
	n.Queue(ChannelTrades, "entered nyc 50-51")
	n.Queue(ChannelSummary, "cycle done")

	if cap.count() != 0 {
		t.Fatalf("queued messages delivered before flush: %d", cap.count())
	}
	n.Flush()
	if cap.count() != 2 {
		t.Fatalf("delivered = %d, want 2 after flush", cap.count())
	}
	// A second flush has nothing left.
	n.Flush()
	if cap.count() != 2 {
		t.Errorf("second flush re-delivered: %d", cap.count())
	}
}

func TestCriticalBypassesQueue(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	n := New(srv.URL, "", testLogger())
	n.Critical("boundary crossed")
	if cap.count() != 1 {
		t.Fatalf("critical delivered = %d, want immediate 1", cap.count())
	}
}

func TestDisabledNotifierIsQuiet(t *testing.T) {
	n := New("", "", testLogger())
	if n.Enabled() {
		t.Error("no webhooks configured should report disabled")
	}
	n.Queue(ChannelTrades, "x")
	n.Critical("y")
	n.Flush() // must not panic or block
}

func TestBothChannelsReceive(t *testing.T) {
	slack := &capture{}
	discord := &capture{}
	slackSrv := httptest.NewServer(slack.handler())
	defer slackSrv.Close()
	discordSrv := httptest.NewServer(discord.handler())
	defer discordSrv.Close()

	n := New(slackSrv.URL, discordSrv.URL, testLogger())
	n.Critical("dual delivery")
	if slack.count() != 1 || discord.count() != 1 {
		t.Errorf("delivery = slack %d discord %d, want 1 each", slack.count(), discord.count())
	}
}
