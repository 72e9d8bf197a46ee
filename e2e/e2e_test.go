package e2e_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mudvault/mesh/auth"
	"github.com/mudvault/mesh/client"
	"github.com/mudvault/mesh/gateway"
	"github.com/mudvault/mesh/registry"
	"github.com/mudvault/mesh/wire"
)

type testMesh struct {
	wsURL string
	store *auth.Store
	srv   *gateway.Server
}

func startMesh(t *testing.T, mutate func(*gateway.Config)) *testMesh {
	t.Helper()
	reg := registry.NewMemory()
	store := auth.NewStore(reg)

	cfg := gateway.DefaultConfig()
	cfg.Registry = reg
	cfg.Credentials = store
	cfg.RequireCredential = true
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := gateway.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	s.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		s.Close()
		_ = reg.Close()
	})
	return &testMesh{
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Path,
		store: store,
		srv:   s,
	}
}

func (m *testMesh) dial(t *testing.T, name string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token, err := m.store.Issue(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial(ctx, client.Options{URL: m.wsURL, MudName: name, Token: token})
	if err != nil {
		t.Fatalf("dial %s: %v", name, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func recvEnvelope(t *testing.T, ch <-chan *wire.Envelope) *wire.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for envelope")
		return nil
	}
}

func TestE2E_CredentialedTellAndChannelFlow(t *testing.T) {
	mesh := startMesh(t, nil)

	forest := mesh.dial(t, "ForestMUD")
	ocean := mesh.dial(t, "OceanMUD")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// An unauthenticated raw connection with no credential must be rejected
	// even though the name is valid.
	if _, err := client.Dial(ctx, client.Options{URL: mesh.wsURL, MudName: "GhostMUD"}); err == nil {
		t.Fatalf("expected dial without credential to fail")
	}

	tells := make(chan *wire.Envelope, 1)
	ocean.Handle(wire.TypeTell, func(env *wire.Envelope) { tells <- env })

	if err := forest.Tell(ctx, "alice", "OceanMUD", "bob", "ahoy from the forest"); err != nil {
		t.Fatal(err)
	}
	env := recvEnvelope(t, tells)
	if env.From.Mud != "ForestMUD" || env.To.User != "bob" {
		t.Fatalf("unexpected tell endpoints: from=%+v to=%+v", env.From, env.To)
	}
	var tell wire.TellPayload
	if err := env.DecodePayload(&tell); err != nil || tell.Message != "ahoy from the forest" {
		t.Fatalf("unexpected tell payload: %s", env.Payload)
	}

	channelMsgs := make(chan *wire.Envelope, 1)
	ocean.Handle(wire.TypeChannel, func(env *wire.Envelope) { channelMsgs <- env })

	if err := forest.JoinChannel(ctx, "alice", "gossip"); err != nil {
		t.Fatal(err)
	}
	if err := ocean.JoinChannel(ctx, "bob", "gossip"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := forest.SendChannel(ctx, "alice", "gossip", "the gossip flows"); err != nil {
		t.Fatal(err)
	}
	env = recvEnvelope(t, channelMsgs)
	var chanMsg wire.ChannelPayload
	if err := env.DecodePayload(&chanMsg); err != nil || chanMsg.Message != "the gossip flows" {
		t.Fatalf("unexpected channel payload: %s", env.Payload)
	}

	whoReplies := make(chan *wire.Envelope, 1)
	forest.Handle(wire.TypeWho, func(env *wire.Envelope) { whoReplies <- env })
	if err := forest.Who(ctx, wire.WhoSortAlpha); err != nil {
		t.Fatal(err)
	}
	env = recvEnvelope(t, whoReplies)
	var who wire.WhoPayload
	if err := env.DecodePayload(&who); err != nil {
		t.Fatal(err)
	}
	if len(who.Users) != 2 || who.Users[0].Username != "ForestMUD" || who.Users[1].Username != "OceanMUD" {
		t.Fatalf("unexpected who reply: %+v", who.Users)
	}

	stats := mesh.srv.Stats()
	if stats.PeerCount != 2 {
		t.Fatalf("expected 2 authenticated peers, got %d", stats.PeerCount)
	}
}

func TestE2E_DisconnectPurgesPresence(t *testing.T) {
	mesh := startMesh(t, nil)

	forest := mesh.dial(t, "ForestMUD")
	ocean := mesh.dial(t, "OceanMUD")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ocean.JoinChannel(ctx, "bob", "gossip"); err != nil {
		t.Fatal(err)
	}
	if err := ocean.Close(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mesh.srv.Stats().PeerCount == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := mesh.srv.Stats().PeerCount; got != 1 {
		t.Fatalf("expected 1 peer after disconnect, got %d", got)
	}

	// A tell to the departed mud now bounces with mud-not-found.
	errs := make(chan *wire.Envelope, 1)
	forest.Handle(wire.TypeError, func(env *wire.Envelope) { errs <- env })
	if err := forest.Tell(ctx, "alice", "OceanMUD", "bob", "anyone home?"); err != nil {
		t.Fatal(err)
	}
	env := recvEnvelope(t, errs)
	var p wire.ErrorPayload
	if err := env.DecodePayload(&p); err != nil || p.Code != wire.CodeMudNotFound {
		t.Fatalf("unexpected error payload: %s", env.Payload)
	}

	// Membership for the departed mud is gone as well.
	members, err := mesh.srv.Channels().Members("gossip")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range members {
		if strings.HasSuffix(m, "OceanMUD") {
			t.Fatalf("expected OceanMUD membership to be purged, got %v", members)
		}
	}
}

func TestE2E_HeartbeatKeepsSessionAlive(t *testing.T) {
	mesh := startMesh(t, func(cfg *gateway.Config) {
		cfg.HeartbeatInterval = 50 * time.Millisecond
		cfg.HeartbeatTimeout = 200 * time.Millisecond
		cfg.CleanupInterval = 25 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token, err := mesh.store.Issue(ctx, "ForestMUD")
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial(ctx, client.Options{
		URL:               mesh.wsURL,
		MudName:           "ForestMUD",
		Token:             token,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// The client answers gateway pings and sends its own, so the session
	// outlives several heartbeat timeouts.
	time.Sleep(600 * time.Millisecond)
	select {
	case <-c.Done():
		t.Fatalf("client disconnected despite heartbeats: %v", c.Err())
	default:
	}
	if c.Latency() <= 0 {
		t.Fatalf("expected a measured heartbeat latency")
	}
}
