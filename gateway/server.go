// Package gateway implements the mesh message gateway: websocket accept,
// authentication, heartbeats, and envelope routing between connected muds.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/auth"
	"github.com/mudvault/mesh/channels"
	"github.com/mudvault/mesh/observability"
	"github.com/mudvault/mesh/ratelimit"
	"github.com/mudvault/mesh/realtime/ws"
	"github.com/mudvault/mesh/registry"
	"github.com/mudvault/mesh/wire"
)

// Server accepts websocket peers and routes envelopes between them.
type Server struct {
	cfg Config

	log    zerolog.Logger
	obs    observability.GatewayObserver
	reg    registry.Registry
	creds  auth.CredentialStore
	limits *ratelimit.Limiter
	chans  *channels.Service
	events *Hub
	origin *ws.OriginPolicy

	mu     sync.Mutex
	conns  map[string]*peerConn // By connection id.
	byName map[string]*peerConn // Authenticated connections by MUD name.

	connCount int64
	startedAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Stats captures a snapshot of gateway counts.
type Stats struct {
	ConnCount    int64
	PeerCount    int
	ChannelCount int
	Uptime       time.Duration
}

// New validates config, restores channel state, and starts background
// maintenance.
func New(cfg Config) (*Server, error) {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = def.MaxConns
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return nil, errors.New("heartbeat timeout must exceed heartbeat interval")
	}
	if cfg.AuthGrace <= 0 {
		cfg.AuthGrace = def.AuthGrace
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxWriteQueue <= 0 {
		cfg.MaxWriteQueue = def.MaxWriteQueue
	}
	if cfg.HistoryRingSize <= 0 {
		cfg.HistoryRingSize = def.HistoryRingSize
	}
	if cfg.RegistryTTL <= 0 {
		cfg.RegistryTTL = def.RegistryTTL
	}
	switch cfg.DuplicatePolicy {
	case DuplicateAllow, DuplicatePreemptOld, DuplicateRejectNew:
	case "":
		cfg.DuplicatePolicy = DuplicateAllow
	default:
		return nil, errors.New("unknown duplicate policy")
	}
	if cfg.RequireCredential && cfg.Credentials == nil {
		return nil, errors.New("credential store required when RequireCredential is set")
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.NewMemory()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopGatewayObserver
	}

	log := cfg.Logger.With().Str("component", "gateway").Logger()
	s := &Server{
		cfg:       cfg,
		log:       log,
		obs:       cfg.Observer,
		reg:       cfg.Registry,
		creds:     cfg.Credentials,
		limits:    ratelimit.New(cfg.RateLimit),
		chans:     channels.NewService(cfg.Registry, cfg.Logger),
		events:    NewHub(),
		origin:    ws.NewOriginPolicy(cfg.AllowedOrigins, cfg.AllowNoOrigin || len(cfg.AllowedOrigins) == 0),
		conns:     make(map[string]*peerConn),
		byName:    make(map[string]*peerConn),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}

	ctx := context.Background()
	s.chans.Load(ctx)
	for _, name := range cfg.DefaultChannels {
		if err := s.chans.Create(ctx, name, wire.Endpoint{Mud: wire.GatewayName}, "", ""); err != nil && !errors.Is(err, channels.ErrExists) {
			log.Warn().Err(err).Str("channel", name).Msg("default channel not created")
		}
	}
	s.obs.ChannelCount(s.chans.Count())

	go s.cleanupLoop()
	return s, nil
}

// Channels exposes the channel service for operator tooling.
func (s *Server) Channels() *channels.Service { return s.chans }

// Events exposes the lifecycle event hub.
func (s *Server) Events() *Hub { return s.events }

// Stats returns a point-in-time view of gateway counts.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	peers := len(s.byName)
	s.mu.Unlock()
	return Stats{
		ConnCount:    atomic.LoadInt64(&s.connCount),
		PeerCount:    peers,
		ChannelCount: s.chans.Count(),
		Uptime:       time.Since(s.startedAt),
	}
}

// Register installs the websocket and health endpoints on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Close stops background maintenance and disconnects every peer.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc)
	}
	s.mu.Unlock()
	for _, pc := range conns {
		s.disconnect(pc, observability.CloseReasonShutdown, websocket.CloseGoingAway, "gateway shutting down")
	}
}

func remoteHost(r *http.Request, c *ws.Conn) string {
	addr := r.RemoteAddr
	if c != nil {
		if ra := c.RemoteAddr(); ra != nil {
			addr = ra.String()
		}
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: s.origin.CheckOrigin()})
	if err != nil {
		s.obs.Auth(observability.AuthResultFail, observability.AuthReasonUpgradeError)
		return
	}
	host := remoteHost(r, c)
	if !s.limits.AdmitConnection(host) {
		s.obs.Auth(observability.AuthResultFail, observability.AuthReasonConnRateLimited)
		_ = c.CloseWithStatus(websocket.CloseTryAgainLater, "connection rate limited")
		return
	}

	now := time.Now()
	pc := newPeerConn(uuid.NewString(), c, host, now)
	if !s.trackConn(pc) {
		s.obs.Auth(observability.AuthResultFail, observability.AuthReasonTooManyConns)
		_ = c.CloseWithStatus(websocket.CloseTryAgainLater, "too many connections")
		return
	}

	c.SetReadLimit(int64(s.cfg.MaxFrameBytes))
	c.SetPongHandler(func(string) { pc.touch(time.Now(), false) })

	go s.writePump(pc)

	if !s.authenticate(pc) {
		pc.closeQueue(errQueueClosed)
		_ = c.Close()
		s.untrackConn(pc)
		return
	}
	s.obs.Auth(observability.AuthResultOK, observability.AuthReasonOK)
	s.readLoop(pc)
}

// authenticate enforces the auth-first handshake: the first frame must be a
// valid auth envelope inside the grace window. On failure the peer gets a
// typed error frame, then the socket closes.
func (s *Server) authenticate(pc *peerConn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuthGrace)
	defer cancel()

	raw, err := pc.ws.ReadText(ctx)
	if err != nil {
		reason := observability.AuthReasonExpectedAuth
		if errors.Is(err, context.DeadlineExceeded) {
			reason = observability.AuthReasonAuthTimeout
		}
		s.obs.Auth(observability.AuthResultFail, reason)
		_ = pc.ws.CloseWithStatus(websocket.ClosePolicyViolation, "authentication required")
		return false
	}

	env, derr := wire.Decode(raw, wire.Constraints{MaxFrameBytes: s.cfg.MaxFrameBytes})
	if derr != nil {
		s.obs.Auth(observability.AuthResultFail, observability.AuthReasonInvalidAuth)
		s.sendError(pc, wire.Endpoint{}, derr.Code(), derr.Error(), nil)
		_ = pc.ws.CloseWithStatus(websocket.ClosePolicyViolation, "invalid auth frame")
		return false
	}
	if env.Type != wire.TypeAuth {
		s.obs.Auth(observability.AuthResultFail, observability.AuthReasonExpectedAuth)
		s.sendError(pc, env.From, wire.CodeAuthenticationFailed, "first frame must be auth", nil)
		_ = pc.ws.CloseWithStatus(websocket.ClosePolicyViolation, "expected auth")
		return false
	}

	var payload wire.AuthPayload
	if err := env.DecodePayload(&payload); err != nil || payload.MudName == "" {
		payload.MudName = env.From.Mud
	}
	name := payload.MudName

	if err := wire.ValidateName(name); err != nil {
		details := map[string]any{"mudName": name}
		if suggested := wire.SuggestName(name); suggested != "" {
			details["suggestedName"] = suggested
		}
		s.obs.Auth(observability.AuthResultFail, observability.AuthReasonInvalidName)
		s.sendError(pc, env.From, wire.CodeAuthenticationFailed, "invalid mud name: "+err.Error(), details)
		_ = pc.ws.CloseWithStatus(websocket.ClosePolicyViolation, "invalid mud name")
		return false
	}

	if s.creds != nil && (s.cfg.RequireCredential || payload.Token != "") {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok := s.creds.Validate(ctx, name, payload.Token)
		cancel()
		if !ok {
			s.obs.Auth(observability.AuthResultFail, observability.AuthReasonInvalidCredential)
			s.sendError(pc, env.From, wire.CodeAuthenticationFailed, "invalid credential", nil)
			_ = pc.ws.CloseWithStatus(websocket.ClosePolicyViolation, "invalid credential")
			return false
		}
	}

	now := time.Now()
	s.mu.Lock()
	if old, ok := s.byName[name]; ok {
		switch s.cfg.DuplicatePolicy {
		case DuplicateRejectNew:
			s.mu.Unlock()
			s.obs.Auth(observability.AuthResultFail, observability.AuthReasonDuplicateName)
			s.sendError(pc, env.From, wire.CodeAuthenticationFailed, "mud name already connected", map[string]any{"mudName": name})
			_ = pc.ws.CloseWithStatus(websocket.ClosePolicyViolation, "duplicate mud name")
			return false
		case DuplicatePreemptOld:
			s.mu.Unlock()
			s.log.Warn().Str("mud", name).Str("oldConn", old.id).Str("newConn", pc.id).Msg("duplicate name, preempting old connection")
			s.disconnect(old, observability.CloseReasonReplaced, websocket.ClosePolicyViolation, "replaced by new connection")
			s.mu.Lock()
		default:
			s.log.Warn().Str("mud", name).Str("oldConn", old.id).Str("newConn", pc.id).Msg("duplicate name collision, new connection takes over")
		}
	}
	pc.mu.Lock()
	pc.mudName = name
	pc.version = env.Version
	pc.lastSeen = now
	pc.mu.Unlock()
	s.byName[name] = pc
	s.mu.Unlock()

	s.advertise(pc)
	s.events.Publish(Event{Kind: EventPeerConnected, Mud: name, At: now})
	s.log.Info().Str("mud", name).Str("conn", pc.id).Str("host", pc.host).Msg("peer authenticated")

	reply, err := wire.New(wire.TypeAuth, wire.Endpoint{Mud: wire.GatewayName}, wire.Endpoint{Mud: name}, wire.AuthPayload{
		MudName:  name,
		Response: "Authentication successful",
	})
	if err == nil {
		reply.Metadata.Priority = ratelimit.GatewayPriority
		s.sendEnvelope(pc, reply)
	}
	return true
}

// readLoop handles every frame after authentication.
func (s *Server) readLoop(pc *peerConn) {
	name := pc.name()
	defer func() {
		s.removePeer(pc)
		s.untrackConn(pc)
	}()
	for {
		raw, err := pc.ws.ReadText(context.Background())
		if err != nil {
			switch {
			case ws.IsLimitExceeded(err):
				s.obs.Close(observability.CloseReasonFrameTooLarge)
				s.sendError(pc, wire.Endpoint{Mud: name}, wire.CodeMessageTooLarge, "frame exceeds 64KiB", nil)
				_ = pc.ws.CloseWithStatus(websocket.CloseMessageTooBig, "frame too large")
			case errors.Is(err, ws.ErrNonTextFrame):
				s.obs.Close(observability.CloseReasonNonTextFrame)
				_ = pc.ws.CloseWithStatus(websocket.CloseUnsupportedData, "text frames only")
			case ws.IsPeerClosed(err):
				s.obs.Close(observability.CloseReasonPeerClosed)
				_ = pc.ws.Close()
			default:
				s.obs.Close(observability.CloseReasonPeerClosed)
				_ = pc.ws.Close()
			}
			return
		}

		now := time.Now()
		pc.touch(now, true)

		env, derr := wire.Decode(raw, wire.Constraints{MaxFrameBytes: s.cfg.MaxFrameBytes})
		if derr != nil {
			s.log.Debug().Str("mud", name).Str("err", derr.Error()).Msg("frame rejected")
			s.sendError(pc, wire.Endpoint{Mud: name}, derr.Code(), derr.Error(), nil)
			continue
		}

		switch env.Type {
		case wire.TypePong:
			continue
		case wire.TypePing:
			var p wire.PingPayload
			_ = env.DecodePayload(&p)
			pong := wire.NewPong(wire.Endpoint{Mud: name}, p.Timestamp)
			pong.Metadata.Priority = ratelimit.GatewayPriority
			s.sendEnvelope(pc, pong)
			continue
		case wire.TypeAuth:
			// Already authenticated; a second auth frame is a protocol error.
			s.sendError(pc, wire.Endpoint{Mud: name}, wire.CodeProtocolError, "already authenticated", nil)
			continue
		}

		if !s.limits.Allow(name, env.Type) {
			s.obs.Routed(string(env.Type), observability.RouteOutcomeThrottled)
			s.sendError(pc, wire.Endpoint{Mud: name}, wire.CodeRateLimited, "rate limit exceeded", map[string]any{"type": string(env.Type)})
			continue
		}
		if env.Expired(now) {
			s.obs.Routed(string(env.Type), observability.RouteOutcomeExpired)
			s.log.Debug().Str("mud", name).Str("id", env.ID).Msg("envelope expired, dropped")
			continue
		}

		s.route(pc, env, now)
	}
}

// writePump is the single writer for a connection.
func (s *Server) writePump(pc *peerConn) {
	for {
		frame, err := pc.nextWrite()
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		werr := pc.ws.WriteText(ctx, frame)
		cancel()
		if werr != nil {
			pc.closeQueue(werr)
			s.obs.Close(observability.CloseReasonWriteError)
			_ = pc.ws.Close()
			return
		}
	}
}

// sendEnvelope encodes and enqueues a frame for the peer. Drops are logged,
// never propagated to the sender.
func (s *Server) sendEnvelope(pc *peerConn, env *wire.Envelope) bool {
	frame, err := wire.Encode(env)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(env.Type)).Msg("envelope not serializable")
		return false
	}
	return s.sendFrame(pc, frame, env.Type)
}

func (s *Server) sendFrame(pc *peerConn, frame []byte, kind wire.Type) bool {
	if err := pc.enqueue(frame, s.cfg.MaxWriteQueue); err != nil {
		if errors.Is(err, errQueueFull) {
			s.obs.Routed(string(kind), observability.RouteOutcomeQueueFull)
		}
		s.log.Warn().Err(err).Str("mud", pc.name()).Str("type", string(kind)).Msg("frame dropped")
		return false
	}
	return true
}

func (s *Server) sendError(pc *peerConn, to wire.Endpoint, code wire.Code, message string, details map[string]any) {
	env := wire.NewError(to, code, message, details)
	env.Metadata.Priority = ratelimit.GatewayPriority
	s.sendEnvelope(pc, env)
}

// disconnect force-closes a connection and cleans up its state.
func (s *Server) disconnect(pc *peerConn, reason observability.CloseReason, closeCode int, text string) {
	s.obs.Close(reason)
	pc.closeQueue(errQueueClosed)
	_ = pc.ws.CloseWithStatus(closeCode, text)
	s.removePeer(pc)
	s.untrackConn(pc)
}

// removePeer drops the authenticated mapping and de-advertises the peer. Safe
// to call more than once.
func (s *Server) removePeer(pc *peerConn) {
	name := pc.name()
	if name == "" {
		return
	}
	s.mu.Lock()
	current, ok := s.byName[name]
	if !ok || current != pc {
		// A newer connection owns the name; leave its state alone.
		s.mu.Unlock()
		return
	}
	delete(s.byName, name)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.reg.SetRemove(ctx, registry.KeyConnectedMuds, name); err != nil {
		s.log.Warn().Err(err).Str("mud", name).Msg("peer not removed from registry set")
	}
	if err := s.reg.Delete(ctx, registry.MudInfoKey(name)); err != nil {
		s.log.Warn().Err(err).Str("mud", name).Msg("peer info not evicted")
	}
	s.limits.Forget(name)
	s.chans.PurgePeer(ctx, name)
	s.events.Publish(Event{Kind: EventPeerDisconnected, Mud: name, At: time.Now()})
	s.log.Info().Str("mud", name).Str("conn", pc.id).Int64("messages", pc.messages()).Msg("peer disconnected")
}

// peerRecord is the advertised registry shape for one connected mud.
type peerRecord struct {
	Name        string    `json:"name"`
	Host        string    `json:"host"`
	Version     string    `json:"version,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// advertise publishes the peer in the registry with the configured TTL.
// Refreshed from the cleanup loop while the peer stays connected.
func (s *Server) advertise(pc *peerConn) {
	pc.mu.Lock()
	rec := peerRecord{
		Name:        pc.mudName,
		Host:        pc.host,
		Version:     pc.version,
		ConnectedAt: pc.connectedAt,
	}
	pc.mu.Unlock()
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.reg.SetAdd(ctx, registry.KeyConnectedMuds, rec.Name); err != nil {
		s.log.Warn().Err(err).Str("mud", rec.Name).Msg("peer not advertised")
		return
	}
	if err := s.reg.SetWithTTL(ctx, registry.MudInfoKey(rec.Name), string(raw), s.cfg.RegistryTTL); err != nil {
		s.log.Warn().Err(err).Str("mud", rec.Name).Msg("peer info not stored")
	}
}

func (s *Server) trackConn(pc *peerConn) bool {
	newCount := atomic.AddInt64(&s.connCount, 1)
	if s.cfg.MaxConns > 0 && newCount > int64(s.cfg.MaxConns) {
		newCount = atomic.AddInt64(&s.connCount, -1)
		s.obs.ConnCount(newCount)
		return false
	}
	s.obs.ConnCount(newCount)
	s.mu.Lock()
	s.conns[pc.id] = pc
	s.mu.Unlock()
	return true
}

func (s *Server) untrackConn(pc *peerConn) {
	s.mu.Lock()
	_, ok := s.conns[pc.id]
	if ok {
		delete(s.conns, pc.id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.obs.ConnCount(atomic.AddInt64(&s.connCount, -1))
}

// authenticatedPeers snapshots the byName map.
func (s *Server) authenticatedPeers() []*peerConn {
	s.mu.Lock()
	out := make([]*peerConn, 0, len(s.byName))
	for _, pc := range s.byName {
		out = append(out, pc)
	}
	s.mu.Unlock()
	return out
}

func (s *Server) lookupPeer(name string) *peerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byName[name]
}

// cleanupLoop sends heartbeats, expires silent peers, refreshes registry
// advertisements, and prunes idle rate-limit state.
func (s *Server) cleanupLoop() {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	maintenance := time.NewTicker(s.cfg.CleanupInterval)
	defer heartbeat.Stop()
	defer maintenance.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-heartbeat.C:
			// Liveness probes are websocket protocol pings, not envelopes;
			// compliant stacks answer them without any application traffic.
			// The pong handler installed at upgrade time refreshes lastSeen.
			now := time.Now()
			payload := strconv.FormatInt(now.UnixMilli(), 10)
			for _, pc := range s.authenticatedPeers() {
				if err := pc.ws.Ping(payload); err != nil {
					s.log.Debug().Err(err).Str("mud", pc.name()).Msg("heartbeat ping not sent")
				}
				s.advertise(pc)
			}
		case <-maintenance.C:
			now := time.Now()
			for _, pc := range s.authenticatedPeers() {
				if now.Sub(pc.lastSeenAt()) > s.cfg.HeartbeatTimeout {
					s.log.Warn().Str("mud", pc.name()).Msg("heartbeat timeout")
					s.disconnect(pc, observability.CloseReasonHeartbeatTimeout, websocket.CloseGoingAway, "heartbeat timeout")
				}
			}
			s.limits.Cleanup(now, 2*s.cfg.HeartbeatTimeout)
			s.obs.ChannelCount(s.chans.Count())
		}
	}
}

// HostOnly strips a port from a host:port address, for display in who
// responses.
func HostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSpace(addr)
}
