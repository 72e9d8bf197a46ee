// Package client is the Go SDK for connecting a mud server to a mesh gateway.
// It handles the auth handshake, heartbeats, and typed message construction;
// inbound traffic is dispatched to per-kind handlers.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/realtime/ws"
	"github.com/mudvault/mesh/wire"
)

var (
	ErrClosed     = errors.New("client: connection closed")
	ErrAuthFailed = errors.New("client: authentication failed")
)

// Handler receives inbound envelopes of one kind.
type Handler func(env *wire.Envelope)

// Options configures a mesh client.
type Options struct {
	URL     string // Gateway websocket URL, e.g. "ws://host:8080/ws".
	MudName string // Name to authenticate as.
	Token   string // Optional credential.

	HeartbeatInterval time.Duration // Cadence of client pings; default 30s.
	DialTimeout       time.Duration // Handshake plus auth deadline; default 10s.
	MaxFrameBytes     int           // Inbound frame cap; default 64KiB.

	Logger zerolog.Logger
}

func (o *Options) normalize() error {
	if o.URL == "" {
		return errors.New("client: missing gateway URL")
	}
	if err := wire.ValidateName(o.MudName); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
	return nil
}

// Client is one authenticated gateway connection.
type Client struct {
	opts Options
	log  zerolog.Logger
	conn *ws.Conn

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[wire.Type]Handler

	latencyMu   sync.Mutex
	lastLatency time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Dial connects to the gateway and completes the auth handshake. The returned
// client is already receiving traffic.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	conn, _, err := ws.Dial(dialCtx, opts.URL, ws.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	conn.SetReadLimit(int64(opts.MaxFrameBytes))

	c := &Client{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "mesh-client").Str("mud", opts.MudName).Logger(),
		conn:     conn,
		handlers: make(map[wire.Type]Handler),
		closed:   make(chan struct{}),
	}

	if err := c.authenticate(dialCtx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	go c.heartbeatLoop()
	return c, nil
}

func (c *Client) authenticate(ctx context.Context) error {
	env, err := wire.New(wire.TypeAuth, wire.Endpoint{Mud: c.opts.MudName}, wire.Endpoint{Mud: wire.GatewayName}, wire.AuthPayload{
		MudName: c.opts.MudName,
		Token:   c.opts.Token,
	})
	if err != nil {
		return err
	}
	if err := c.writeEnvelope(ctx, env); err != nil {
		return err
	}

	for {
		raw, err := c.conn.ReadText(ctx)
		if err != nil {
			return fmt.Errorf("client: waiting for auth reply: %w", err)
		}
		reply, derr := wire.Decode(raw, wire.Constraints{MaxFrameBytes: c.opts.MaxFrameBytes})
		if derr != nil {
			return fmt.Errorf("client: bad auth reply: %s", derr.Error())
		}
		switch reply.Type {
		case wire.TypeAuth:
			return nil
		case wire.TypeError:
			var p wire.ErrorPayload
			if err := reply.DecodePayload(&p); err != nil {
				return ErrAuthFailed
			}
			return fmt.Errorf("%w: code %d: %s", ErrAuthFailed, p.Code, p.Message)
		default:
			// The gateway may interleave pings; ignore anything else until
			// the handshake resolves.
		}
	}
}

// Handle registers fn for inbound envelopes of kind t, replacing any previous
// handler. Pass nil to remove.
func (c *Client) Handle(t wire.Type, fn Handler) {
	c.handlerMu.Lock()
	if fn == nil {
		delete(c.handlers, t)
	} else {
		c.handlers[t] = fn
	}
	c.handlerMu.Unlock()
}

func (c *Client) dispatch(env *wire.Envelope) {
	c.handlerMu.RLock()
	fn := c.handlers[env.Type]
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(env)
	}
}

func (c *Client) readLoop() {
	for {
		raw, err := c.conn.ReadText(context.Background())
		if err != nil {
			c.shutdown(err)
			return
		}
		env, derr := wire.Decode(raw, wire.Constraints{MaxFrameBytes: c.opts.MaxFrameBytes})
		if derr != nil {
			c.log.Debug().Str("err", derr.Error()).Msg("undecodable frame ignored")
			continue
		}
		switch env.Type {
		case wire.TypePing:
			// Answer gateway heartbeats so the connection stays live.
			var p wire.PingPayload
			_ = env.DecodePayload(&p)
			pong, err := wire.New(wire.TypePong, wire.Endpoint{Mud: c.opts.MudName}, wire.Endpoint{Mud: wire.GatewayName}, wire.PingPayload{Timestamp: p.Timestamp})
			if err == nil {
				_ = c.writeEnvelope(context.Background(), pong)
			}
		case wire.TypePong:
			var p wire.PingPayload
			if env.DecodePayload(&p) == nil && p.Timestamp > 0 {
				c.latencyMu.Lock()
				c.lastLatency = time.Since(time.UnixMilli(p.Timestamp))
				c.latencyMu.Unlock()
			}
		}
		c.dispatch(env)
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case now := <-ticker.C:
			env, err := wire.New(wire.TypePing, wire.Endpoint{Mud: c.opts.MudName}, wire.Endpoint{Mud: wire.GatewayName}, wire.PingPayload{Timestamp: now.UnixMilli()})
			if err != nil {
				continue
			}
			if err := c.writeEnvelope(context.Background(), env); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

// Ping sends one out-of-cycle heartbeat; the matching pong updates Latency.
func (c *Client) Ping(ctx context.Context) error {
	env, err := wire.New(wire.TypePing, wire.Endpoint{Mud: c.opts.MudName}, wire.Endpoint{Mud: wire.GatewayName}, wire.PingPayload{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return c.writeEnvelope(ctx, env)
}

// Latency returns the round-trip time measured by the most recent heartbeat.
func (c *Client) Latency() time.Duration {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	return c.lastLatency
}

func (c *Client) writeEnvelope(ctx context.Context, env *wire.Envelope) error {
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}
	writeCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return c.closeErr
	default:
	}
	return c.conn.WriteText(writeCtx, frame)
}

// Send transmits an arbitrary envelope after stamping the authenticated mud
// name on the from endpoint.
func (c *Client) Send(ctx context.Context, env *wire.Envelope) error {
	env.From.Mud = c.opts.MudName
	return c.writeEnvelope(ctx, env)
}

func (c *Client) send(ctx context.Context, t wire.Type, from, to wire.Endpoint, payload any) error {
	from.Mud = c.opts.MudName
	env, err := wire.New(t, from, to, payload)
	if err != nil {
		return err
	}
	return c.writeEnvelope(ctx, env)
}

// Tell sends a direct message to a user on another mud.
func (c *Client) Tell(ctx context.Context, fromUser, toMud, toUser, message string) error {
	return c.send(ctx, wire.TypeTell,
		wire.Endpoint{User: fromUser},
		wire.Endpoint{Mud: toMud, User: toUser},
		wire.TellPayload{Message: wire.SanitizeText(message)})
}

// Emote broadcasts an emote to every connected mud.
func (c *Client) Emote(ctx context.Context, fromUser, action string) error {
	return c.send(ctx, wire.TypeEmote,
		wire.Endpoint{User: fromUser},
		wire.Endpoint{Mud: wire.BroadcastName},
		wire.EmotePayload{Action: wire.SanitizeText(action)})
}

// EmoteTo sends a targeted emote to a user on another mud.
func (c *Client) EmoteTo(ctx context.Context, fromUser, toMud, toUser, action string) error {
	return c.send(ctx, wire.TypeEmoteTo,
		wire.Endpoint{User: fromUser},
		wire.Endpoint{Mud: toMud, User: toUser},
		wire.EmotePayload{Action: wire.SanitizeText(action), Target: toUser})
}

// JoinChannel subscribes a user to a channel.
func (c *Client) JoinChannel(ctx context.Context, user, channel string) error {
	return c.send(ctx, wire.TypeChannel,
		wire.Endpoint{User: user},
		wire.Endpoint{Mud: wire.GatewayName, Channel: channel},
		wire.ChannelPayload{Channel: channel, Action: wire.ChannelActionJoin})
}

// LeaveChannel unsubscribes a user from a channel.
func (c *Client) LeaveChannel(ctx context.Context, user, channel string) error {
	return c.send(ctx, wire.TypeChannel,
		wire.Endpoint{User: user},
		wire.Endpoint{Mud: wire.GatewayName, Channel: channel},
		wire.ChannelPayload{Channel: channel, Action: wire.ChannelActionLeave})
}

// SendChannel posts a message to a channel the user has joined.
func (c *Client) SendChannel(ctx context.Context, user, channel, message string) error {
	return c.send(ctx, wire.TypeChannel,
		wire.Endpoint{User: user},
		wire.Endpoint{Mud: wire.GatewayName, Channel: channel},
		wire.ChannelPayload{Channel: channel, Action: wire.ChannelActionMessage, Message: wire.SanitizeText(message)})
}

// Who asks the gateway for the connected peer list; the reply arrives at the
// handler registered for wire.TypeWho.
func (c *Client) Who(ctx context.Context, sort wire.WhoSort) error {
	return c.send(ctx, wire.TypeWho,
		wire.Endpoint{},
		wire.Endpoint{Mud: wire.GatewayName},
		wire.WhoPayload{Request: true, Sort: sort})
}

// Mudlist asks the gateway for the peer directory.
func (c *Client) Mudlist(ctx context.Context) error {
	return c.send(ctx, wire.TypeMudlist,
		wire.Endpoint{},
		wire.Endpoint{Mud: wire.GatewayName},
		wire.MudlistPayload{Request: true})
}

// Channels asks the gateway for the channel directory.
func (c *Client) Channels(ctx context.Context) error {
	return c.send(ctx, wire.TypeChannels,
		wire.Endpoint{},
		wire.Endpoint{Mud: wire.GatewayName},
		wire.ChannelsPayload{Request: true})
}

// Locate asks which peers might know the named user.
func (c *Client) Locate(ctx context.Context, user string) error {
	return c.send(ctx, wire.TypeLocate,
		wire.Endpoint{},
		wire.Endpoint{Mud: wire.GatewayName},
		wire.LocatePayload{User: user, Request: true})
}

// Presence announces the mud's presence state to all peers.
func (c *Client) Presence(ctx context.Context, status wire.PresenceStatus, activity string) error {
	return c.send(ctx, wire.TypePresence,
		wire.Endpoint{},
		wire.Endpoint{Mud: wire.BroadcastName},
		wire.PresencePayload{Status: status, Activity: activity})
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		if c.closeErr == nil {
			c.closeErr = ErrClosed
		}
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// Done is closed when the connection ends for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err reports why the connection ended; nil while still connected.
func (c *Client) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}
