package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mudvault/mesh/wire"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AllowNoOrigin = true
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	mux := http.NewServeMux()
	s.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialRaw(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendEnv(t *testing.T, c *websocket.Conn, env *wire.Envelope) {
	t.Helper()
	frame, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// readEnv reads the next non-heartbeat envelope.
func readEnv(t *testing.T, c *websocket.Conn) *wire.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	_ = c.SetReadDeadline(deadline)
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		env, derr := wire.Decode(raw, wire.DefaultConstraints())
		if derr != nil {
			t.Fatalf("received undecodable frame: %v (%s)", derr, raw)
		}
		if env.Type == wire.TypePing {
			continue
		}
		return env
	}
}

func expectNoEnv(t *testing.T, c *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(wait))
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		env, derr := wire.Decode(raw, wire.DefaultConstraints())
		if derr == nil && env.Type == wire.TypePing {
			continue
		}
		t.Fatalf("unexpected frame: %s", raw)
	}
}

func authFrame(t *testing.T, name string) *wire.Envelope {
	t.Helper()
	env, err := wire.New(wire.TypeAuth, wire.Endpoint{Mud: name}, wire.Endpoint{Mud: wire.GatewayName}, wire.AuthPayload{MudName: name})
	if err != nil {
		t.Fatalf("auth frame: %v", err)
	}
	return env
}

// dialPeer connects and completes the auth handshake.
func dialPeer(t *testing.T, ts *httptest.Server, name string) *websocket.Conn {
	t.Helper()
	c := dialRaw(t, ts)
	sendEnv(t, c, authFrame(t, name))
	reply := readEnv(t, c)
	if reply.Type != wire.TypeAuth {
		t.Fatalf("expected auth reply, got %s", reply.Type)
	}
	var p wire.AuthPayload
	if err := reply.DecodePayload(&p); err != nil || p.Response != "Authentication successful" {
		t.Fatalf("unexpected auth reply payload: %s", reply.Payload)
	}
	return c
}

func errorPayload(t *testing.T, env *wire.Envelope) wire.ErrorPayload {
	t.Helper()
	if env.Type != wire.TypeError {
		t.Fatalf("expected error envelope, got %s (%s)", env.Type, env.Payload)
	}
	var p wire.ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	return p
}

func TestAuthFirstFrameRequired(t *testing.T) {
	_, ts := newTestServer(t, nil)
	c := dialRaw(t, ts)

	tell, _ := wire.New(wire.TypeTell, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: "MudB", User: "bob"}, wire.TellPayload{Message: "hi"})
	sendEnv(t, c, tell)

	p := errorPayload(t, readEnv(t, c))
	if p.Code != wire.CodeAuthenticationFailed {
		t.Fatalf("expected code 1001, got %d", p.Code)
	}
	// The socket must be closed after the rejection.
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatalf("expected connection close after auth failure")
	}
}

func TestAuthInvalidNameSuggestsAlternative(t *testing.T) {
	_, ts := newTestServer(t, nil)
	c := dialRaw(t, ts)

	env, _ := wire.New(wire.TypeAuth, wire.Endpoint{Mud: "placeholder"}, wire.Endpoint{Mud: wire.GatewayName}, wire.AuthPayload{MudName: "Bad Name"})
	sendEnv(t, c, env)

	p := errorPayload(t, readEnv(t, c))
	if p.Code != wire.CodeAuthenticationFailed {
		t.Fatalf("expected code 1001, got %d", p.Code)
	}
	if got := p.Details["suggestedName"]; got != "Bad-Name" {
		t.Fatalf("expected suggestedName Bad-Name, got %v", got)
	}
}

func TestTellOverwritesFromMud(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")
	b := dialPeer(t, ts, "MudB")

	tell, _ := wire.New(wire.TypeTell, wire.Endpoint{Mud: "Impostor", User: "alice"}, wire.Endpoint{Mud: "MudB", User: "bob"}, wire.TellPayload{Message: "hello bob"})
	sendEnv(t, a, tell)

	got := readEnv(t, b)
	if got.Type != wire.TypeTell {
		t.Fatalf("expected tell, got %s", got.Type)
	}
	if got.From.Mud != "MudA" {
		t.Fatalf("expected from.mud overwritten to MudA, got %q", got.From.Mud)
	}
	if got.From.User != "alice" || got.To.User != "bob" {
		t.Fatalf("unexpected endpoints: %+v -> %+v", got.From, got.To)
	}
	var p wire.TellPayload
	if err := got.DecodePayload(&p); err != nil || p.Message != "hello bob" {
		t.Fatalf("unexpected payload: %s", got.Payload)
	}
}

func TestUnicastUnknownTarget(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")

	tell, _ := wire.New(wire.TypeTell, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: "Ghost", User: "bob"}, wire.TellPayload{Message: "anyone?"})
	sendEnv(t, a, tell)

	p := errorPayload(t, readEnv(t, a))
	if p.Code != wire.CodeMudNotFound {
		t.Fatalf("expected code 1003, got %d", p.Code)
	}
	if !strings.Contains(p.Message, "Ghost") {
		t.Fatalf("expected error to name the target, got %q", p.Message)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")
	b := dialPeer(t, ts, "MudB")
	c := dialPeer(t, ts, "MudC")

	env, _ := wire.New(wire.TypeEmote, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: wire.BroadcastName}, wire.EmotePayload{Action: "waves"})
	sendEnv(t, a, env)

	for _, peer := range []*websocket.Conn{b, c} {
		got := readEnv(t, peer)
		if got.Type != wire.TypeEmote || got.From.Mud != "MudA" {
			t.Fatalf("unexpected broadcast frame: %s from %q", got.Type, got.From.Mud)
		}
	}
	expectNoEnv(t, a, 200*time.Millisecond)
}

func TestGatewayWho(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")
	dialPeer(t, ts, "MudB")

	req, _ := wire.New(wire.TypeWho, wire.Endpoint{Mud: "MudA"}, wire.Endpoint{Mud: wire.GatewayName}, wire.WhoPayload{Request: true, Sort: wire.WhoSortAlpha})
	req.Metadata.Priority = 7
	sendEnv(t, a, req)

	got := readEnv(t, a)
	if got.Type != wire.TypeWho || got.From.Mud != wire.GatewayName {
		t.Fatalf("expected who reply from Gateway, got %s from %q", got.Type, got.From.Mud)
	}
	if got.Metadata.Priority != 7 {
		t.Fatalf("expected priority copied, got %d", got.Metadata.Priority)
	}
	var p wire.WhoPayload
	if err := got.DecodePayload(&p); err != nil {
		t.Fatalf("who payload: %v", err)
	}
	if p.Request {
		t.Fatalf("expected request false in reply")
	}
	if len(p.Users) != 2 || p.Users[0].Username != "MudA" || p.Users[1].Username != "MudB" {
		t.Fatalf("unexpected who users: %+v", p.Users)
	}
	for _, u := range p.Users {
		if u.Location == "" {
			t.Fatalf("expected network location for %s", u.Username)
		}
		if len(u.Flags) != 2 || u.Flags[0] != "mud" || u.Flags[1] != "system" {
			t.Fatalf("unexpected flags: %v", u.Flags)
		}
	}
}

func TestGatewayMudlist(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")
	dialPeer(t, ts, "MudB")

	req, _ := wire.New(wire.TypeMudlist, wire.Endpoint{Mud: "MudA"}, wire.Endpoint{Mud: wire.GatewayName}, wire.MudlistPayload{Request: true})
	sendEnv(t, a, req)

	var p wire.MudlistPayload
	if err := readEnv(t, a).DecodePayload(&p); err != nil {
		t.Fatalf("mudlist payload: %v", err)
	}
	if len(p.Muds) != 2 || p.Muds[0].Name != "MudA" || p.Muds[1].Name != "MudB" {
		t.Fatalf("unexpected mudlist: %+v", p.Muds)
	}
	if p.Muds[0].Uptime < 0 {
		t.Fatalf("expected non-negative uptime")
	}
}

func TestGatewayLocate(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")
	dialPeer(t, ts, "MudB")

	req, _ := wire.New(wire.TypeLocate, wire.Endpoint{Mud: "MudA"}, wire.Endpoint{Mud: wire.GatewayName}, wire.LocatePayload{User: "bob", Request: true})
	sendEnv(t, a, req)

	var p wire.LocatePayload
	if err := readEnv(t, a).DecodePayload(&p); err != nil {
		t.Fatalf("locate payload: %v", err)
	}
	if p.Request || p.User != "bob" {
		t.Fatalf("unexpected locate reply: %+v", p)
	}
	if len(p.Locations) != 2 {
		t.Fatalf("expected one location per peer, got %+v", p.Locations)
	}
	for _, loc := range p.Locations {
		if !loc.Online {
			t.Fatalf("expected online true for %s", loc.Mud)
		}
	}
}

func TestPingPongEchoesTimestamp(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")

	ping, _ := wire.New(wire.TypePing, wire.Endpoint{Mud: "MudA"}, wire.Endpoint{Mud: wire.GatewayName}, wire.PingPayload{Timestamp: 1706271296789})
	sendEnv(t, a, ping)

	got := readEnv(t, a)
	if got.Type != wire.TypePong {
		t.Fatalf("expected pong, got %s", got.Type)
	}
	var p wire.PingPayload
	if err := got.DecodePayload(&p); err != nil || p.Timestamp != 1706271296789 {
		t.Fatalf("expected echoed timestamp, got %s", got.Payload)
	}
}

func TestChannelJoinSendReceive(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")
	b := dialPeer(t, ts, "MudB")

	join := func(c *websocket.Conn, mud, user string) {
		env, _ := wire.New(wire.TypeChannel, wire.Endpoint{Mud: mud, User: user}, wire.Endpoint{Mud: wire.GatewayName}, wire.ChannelPayload{
			Channel: "gossip",
			Action:  wire.ChannelActionJoin,
		})
		sendEnv(t, c, env)
	}
	join(a, "MudA", "alice")
	join(b, "MudB", "bob")

	msg, _ := wire.New(wire.TypeChannel, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: wire.GatewayName, Channel: "gossip"}, wire.ChannelPayload{
		Channel: "gossip",
		Action:  wire.ChannelActionMessage,
		Message: "hello channel",
	})
	sendEnv(t, a, msg)

	got := readEnv(t, b)
	if got.Type != wire.TypeChannel || got.From.Mud != "MudA" {
		t.Fatalf("unexpected channel frame: %s from %q", got.Type, got.From.Mud)
	}
	var p wire.ChannelPayload
	if err := got.DecodePayload(&p); err != nil || p.Message != "hello channel" {
		t.Fatalf("unexpected channel payload: %s", got.Payload)
	}
	// Sender does not get its own copy back.
	expectNoEnv(t, a, 200*time.Millisecond)
}

func TestChannelJoinUnknown(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")

	env, _ := wire.New(wire.TypeChannel, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: wire.GatewayName}, wire.ChannelPayload{
		Channel: "no-such-channel",
		Action:  wire.ChannelActionJoin,
	})
	sendEnv(t, a, env)

	p := errorPayload(t, readEnv(t, a))
	if p.Code != wire.CodeChannelNotFound {
		t.Fatalf("expected code 1005, got %d", p.Code)
	}
}

func TestChannelSendWithoutJoin(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")

	env, _ := wire.New(wire.TypeChannel, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: wire.GatewayName}, wire.ChannelPayload{
		Channel: "gossip",
		Message: "sneaky",
	})
	sendEnv(t, a, env)

	p := errorPayload(t, readEnv(t, a))
	if p.Code != wire.CodeUnauthorized {
		t.Fatalf("expected code 1002, got %d", p.Code)
	}
}

func TestDuplicateNameRejectNew(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.DuplicatePolicy = DuplicateRejectNew
	})
	dialPeer(t, ts, "MudA")

	c := dialRaw(t, ts)
	sendEnv(t, c, authFrame(t, "MudA"))
	p := errorPayload(t, readEnv(t, c))
	if p.Code != wire.CodeAuthenticationFailed {
		t.Fatalf("expected code 1001, got %d", p.Code)
	}
}

func TestDuplicateNamePreemptOld(t *testing.T) {
	s, ts := newTestServer(t, func(cfg *Config) {
		cfg.DuplicatePolicy = DuplicatePreemptOld
	})
	old := dialPeer(t, ts, "MudA")
	dialPeer(t, ts, "MudA")

	_ = old.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := old.ReadMessage(); err != nil {
			break
		}
	}
	if got := s.Stats().PeerCount; got != 1 {
		t.Fatalf("expected 1 peer after preempt, got %d", got)
	}
}

func TestExpiredEnvelopeDropped(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")
	b := dialPeer(t, ts, "MudB")

	stale, _ := wire.New(wire.TypeTell, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: "MudB", User: "bob"}, wire.TellPayload{Message: "old news"})
	stale.Timestamp = time.Now().UTC().Add(-10 * time.Second)
	stale.Metadata.TTL = 1
	sendEnv(t, a, stale)

	fresh, _ := wire.New(wire.TypeTell, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: "MudB", User: "bob"}, wire.TellPayload{Message: "fresh"})
	sendEnv(t, a, fresh)

	got := readEnv(t, b)
	var p wire.TellPayload
	if err := got.DecodePayload(&p); err != nil || p.Message != "fresh" {
		t.Fatalf("expected only the fresh tell, got %s", got.Payload)
	}
}

func TestMalformedFrameGetsTypedError(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")

	if err := a.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	p := errorPayload(t, readEnv(t, a))
	if p.Code != wire.CodeInvalidMessage {
		t.Fatalf("expected code 1000, got %d", p.Code)
	}

	// The connection survives and keeps routing.
	ping, _ := wire.New(wire.TypePing, wire.Endpoint{Mud: "MudA"}, wire.Endpoint{Mud: wire.GatewayName}, wire.PingPayload{Timestamp: 42})
	sendEnv(t, a, ping)
	if got := readEnv(t, a); got.Type != wire.TypePong {
		t.Fatalf("expected pong after recovery, got %s", got.Type)
	}
}

func TestRateLimitTells(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit.TellsPerMinute = 2
	})
	a := dialPeer(t, ts, "MudA")
	dialPeer(t, ts, "MudB")

	for i := 0; i < 2; i++ {
		env, _ := wire.New(wire.TypeTell, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: "MudB", User: "bob"}, wire.TellPayload{Message: "spam"})
		sendEnv(t, a, env)
	}
	over, _ := wire.New(wire.TypeTell, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: "MudB", User: "bob"}, wire.TellPayload{Message: "spam"})
	sendEnv(t, a, over)

	p := errorPayload(t, readEnv(t, a))
	if p.Code != wire.CodeRateLimited {
		t.Fatalf("expected code 1006, got %d", p.Code)
	}
}

func TestHeartbeatTimeoutDisconnects(t *testing.T) {
	s, ts := newTestServer(t, func(cfg *Config) {
		cfg.HeartbeatInterval = 50 * time.Millisecond
		cfg.HeartbeatTimeout = 150 * time.Millisecond
		cfg.CleanupInterval = 25 * time.Millisecond
	})
	c := dialPeer(t, ts, "MudA")

	// Suppress the dialer's automatic pong replies so the peer looks dead
	// despite still reading.
	c.SetPingHandler(func(string) error { return nil })
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, _, err := c.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			break
		}
	}
	if got := s.Stats().PeerCount; got != 0 {
		t.Fatalf("expected peer evicted after heartbeat timeout, got %d", got)
	}
}

func TestProtocolPongKeepsPeerAlive(t *testing.T) {
	s, ts := newTestServer(t, func(cfg *Config) {
		cfg.HeartbeatInterval = 50 * time.Millisecond
		cfg.HeartbeatTimeout = 200 * time.Millisecond
		cfg.CleanupInterval = 25 * time.Millisecond
	})
	c := dialPeer(t, ts, "MudA")

	// The peer sends nothing, but keeps reading so the websocket stack
	// answers the gateway's protocol pings with pongs. That alone must keep
	// the session alive well past the heartbeat timeout.
	deadline := time.Now().Add(600 * time.Millisecond)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		if _, _, err := c.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("connection dropped despite pong replies: %v", err)
		}
	}
	if got := s.Stats().PeerCount; got != 1 {
		t.Fatalf("expected silent-but-ponging peer to stay connected, got %d peers", got)
	}

	// The session is still fully usable.
	req, _ := wire.New(wire.TypeWho, wire.Endpoint{Mud: "MudA"}, wire.Endpoint{Mud: wire.GatewayName}, wire.WhoPayload{Request: true})
	sendEnv(t, c, req)
	if got := readEnv(t, c); got.Type != wire.TypeWho {
		t.Fatalf("expected who reply, got %s", got.Type)
	}
}

func TestChannelFrameToBroadcastReachesEveryone(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")
	b := dialPeer(t, ts, "MudB")
	c := dialPeer(t, ts, "MudC")

	// Nobody joined "ooc"; addressing "*" bypasses membership entirely.
	env, _ := wire.New(wire.TypeChannel, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: wire.BroadcastName, Channel: "ooc"}, wire.ChannelPayload{
		Channel: "ooc",
		Action:  wire.ChannelActionMessage,
		Message: "hello everyone",
	})
	sendEnv(t, a, env)

	for _, peer := range []*websocket.Conn{b, c} {
		got := readEnv(t, peer)
		if got.Type != wire.TypeChannel || got.From.Mud != "MudA" {
			t.Fatalf("unexpected frame: %s from %q", got.Type, got.From.Mud)
		}
		var p wire.ChannelPayload
		if err := got.DecodePayload(&p); err != nil || p.Channel != "ooc" || p.Message != "hello everyone" {
			t.Fatalf("unexpected channel payload: %s", got.Payload)
		}
	}
	// The sender gets neither an error nor an echo.
	expectNoEnv(t, a, 200*time.Millisecond)
}

func TestRateLimitIgnoresClaimedPriority(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit.TellsPerMinute = 1
	})
	a := dialPeer(t, ts, "MudA")
	b := dialPeer(t, ts, "MudB")

	first, _ := wire.New(wire.TypeTell, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: "MudB", User: "bob"}, wire.TellPayload{Message: "one"})
	first.Metadata.Priority = 10
	sendEnv(t, a, first)
	if got := readEnv(t, b); got.Type != wire.TypeTell {
		t.Fatalf("expected first tell delivered, got %s", got.Type)
	}

	// Self-declared priority does not buy extra budget.
	second, _ := wire.New(wire.TypeTell, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: "MudB", User: "bob"}, wire.TellPayload{Message: "two"})
	second.Metadata.Priority = 10
	sendEnv(t, a, second)

	p := errorPayload(t, readEnv(t, a))
	if p.Code != wire.CodeRateLimited {
		t.Fatalf("expected code 1006, got %d", p.Code)
	}
	expectNoEnv(t, b, 200*time.Millisecond)
}

func TestPresenceToGatewayAccepted(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")

	env, _ := wire.New(wire.TypePresence, wire.Endpoint{Mud: "MudA"}, wire.Endpoint{Mud: wire.GatewayName}, wire.PresencePayload{Status: wire.PresenceOnline})
	sendEnv(t, a, env)

	// A well-formed presence update gets no reply and no error.
	expectNoEnv(t, a, 200*time.Millisecond)

	// The connection keeps routing afterwards.
	ping, _ := wire.New(wire.TypePing, wire.Endpoint{Mud: "MudA"}, wire.Endpoint{Mud: wire.GatewayName}, wire.PingPayload{Timestamp: 42})
	sendEnv(t, a, ping)
	if got := readEnv(t, a); got.Type != wire.TypePong {
		t.Fatalf("expected pong, got %s", got.Type)
	}
}

func TestPresenceToGatewayMalformedPayload(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")

	env, _ := wire.New(wire.TypePresence, wire.Endpoint{Mud: "MudA"}, wire.Endpoint{Mud: wire.GatewayName}, map[string]any{"status": 123})
	sendEnv(t, a, env)

	p := errorPayload(t, readEnv(t, a))
	if p.Code != wire.CodeInvalidMessage {
		t.Fatalf("expected code 1000, got %d", p.Code)
	}
}

func TestHistoryRingRecordsRoutedFrames(t *testing.T) {
	s, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "MudA")
	b := dialPeer(t, ts, "MudB")

	env, _ := wire.New(wire.TypeTell, wire.Endpoint{Mud: "MudA", User: "alice"}, wire.Endpoint{Mud: "MudB", User: "bob"}, wire.TellPayload{Message: "for the record"})
	sendEnv(t, a, env)
	readEnv(t, b)

	hist, err := s.History(context.Background(), wire.TypeTell, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(hist))
	}
	var p wire.TellPayload
	if err := hist[0].DecodePayload(&p); err != nil || p.Message != "for the record" {
		t.Fatalf("unexpected history entry: %s", hist[0].Payload)
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestEventsHubObservesLifecycle(t *testing.T) {
	s, ts := newTestServer(t, nil)
	events, cancel := s.Events().Subscribe(16)
	defer cancel()

	a := dialPeer(t, ts, "MudA")
	waitEvent := func(kind EventKind) Event {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case e := <-events:
				if e.Kind == kind {
					return e
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", kind)
			}
		}
	}
	if e := waitEvent(EventPeerConnected); e.Mud != "MudA" {
		t.Fatalf("unexpected connect event: %+v", e)
	}

	ping, _ := wire.New(wire.TypePresence, wire.Endpoint{Mud: "MudA"}, wire.Endpoint{Mud: wire.BroadcastName}, wire.PresencePayload{Status: wire.PresenceOnline})
	sendEnv(t, a, ping)
	if e := waitEvent(EventMessageRouted); e.MessageType != wire.TypePresence {
		t.Fatalf("unexpected routed event: %+v", e)
	}

	_ = a.Close()
	if e := waitEvent(EventPeerDisconnected); e.Mud != "MudA" {
		t.Fatalf("unexpected disconnect event: %+v", e)
	}
}

func TestStatsSnapshot(t *testing.T) {
	s, ts := newTestServer(t, nil)
	dialPeer(t, ts, "MudA")
	dialPeer(t, ts, "MudB")

	stats := s.Stats()
	if stats.PeerCount != 2 || stats.ConnCount != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.ChannelCount == 0 {
		t.Fatalf("expected default channels to be counted")
	}
	raw, _ := json.Marshal(stats)
	if len(raw) == 0 {
		t.Fatalf("stats not serializable")
	}
}
