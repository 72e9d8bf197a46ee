package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mudvault/mesh/channels"
	"github.com/mudvault/mesh/observability"
	"github.com/mudvault/mesh/registry"
	"github.com/mudvault/mesh/wire"
)

// route is the single entry point for every authenticated, non-heartbeat
// frame. The from.mud overwrite below is the spoofing defense; nothing is
// forwarded without it.
func (s *Server) route(sender *peerConn, env *wire.Envelope, now time.Time) {
	name := sender.name()
	env.From.Mud = name

	// Broadcast wins over every kind-specific path: to.mud == "*" fans out
	// regardless of type, so a channel frame addressed to "*" is not
	// membership-gated. Channel frames with any other address go through the
	// channel service.
	var outcome observability.RouteOutcome
	switch {
	case env.To.Mud == wire.BroadcastName:
		outcome = s.broadcast(sender, env)
	case env.Type == wire.TypeChannel:
		outcome = s.routeChannel(sender, env)
	case env.To.Mud == wire.GatewayName:
		outcome = s.handleGatewayOp(sender, env)
	default:
		outcome = s.unicast(sender, env)
	}

	s.obs.Routed(string(env.Type), outcome)
	s.obs.RouteLatency(time.Since(now))
	s.appendHistory(env)
	s.events.Publish(Event{Kind: EventMessageRouted, Mud: name, MessageType: env.Type, At: now})
}

// broadcast fans the envelope out to every authenticated peer except the
// sender. Each enqueue is independent; a slow peer only loses its own copy.
func (s *Server) broadcast(sender *peerConn, env *wire.Envelope) observability.RouteOutcome {
	frame, err := wire.Encode(env)
	if err != nil {
		s.log.Error().Err(err).Str("id", env.ID).Msg("broadcast envelope not serializable")
		return observability.RouteOutcomeDelivered
	}
	for _, pc := range s.authenticatedPeers() {
		if pc == sender {
			continue
		}
		s.sendFrame(pc, frame, env.Type)
	}
	return observability.RouteOutcomeBroadcast
}

// unicast forwards the envelope verbatim to the named peer, or tells the
// sender the target is not connected.
func (s *Server) unicast(sender *peerConn, env *wire.Envelope) observability.RouteOutcome {
	target := s.lookupPeer(env.To.Mud)
	if target == nil {
		s.sendError(sender, env.From, wire.CodeMudNotFound, "mud not connected: "+env.To.Mud, map[string]any{
			"mud": env.To.Mud,
			"id":  env.ID,
		})
		return observability.RouteOutcomeUnknownPeer
	}
	frame, err := wire.Encode(env)
	if err != nil {
		s.log.Error().Err(err).Str("id", env.ID).Msg("envelope not serializable")
		return observability.RouteOutcomeDelivered
	}
	s.sendFrame(target, frame, env.Type)
	return observability.RouteOutcomeDelivered
}

// routeChannel dispatches channel frames through the channel service and fans
// messages out to members, grouped by mud.
func (s *Server) routeChannel(sender *peerConn, env *wire.Envelope) observability.RouteOutcome {
	var p wire.ChannelPayload
	if err := env.DecodePayload(&p); err != nil {
		s.sendError(sender, env.From, wire.CodeInvalidMessage, "malformed channel payload", nil)
		return observability.RouteOutcomeGateway
	}
	channel := p.Channel
	if channel == "" {
		channel = env.To.Channel
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch p.Action {
	case wire.ChannelActionJoin:
		if err := s.chans.Join(ctx, channel, env.From, ""); err != nil {
			s.sendChannelError(sender, env, channel, err)
			return observability.RouteOutcomeGateway
		}
	case wire.ChannelActionLeave:
		if err := s.chans.Leave(ctx, channel, env.From); err != nil {
			s.sendChannelError(sender, env, channel, err)
			return observability.RouteOutcomeGateway
		}
	case wire.ChannelActionList:
		reply := s.replyTo(env, wire.TypeChannels, wire.ChannelsPayload{
			Request:  false,
			Channels: s.chans.List(),
		})
		if reply != nil {
			s.sendEnvelope(sender, reply)
		}
	case wire.ChannelActionMessage, "":
		members, err := s.chans.Send(ctx, channel, env.From, p.Message)
		if err != nil {
			s.sendChannelError(sender, env, channel, err)
			return observability.RouteOutcomeGateway
		}
		s.fanOutChannel(sender, env, members)
		return observability.RouteOutcomeBroadcast
	}
	return observability.RouteOutcomeGateway
}

// fanOutChannel delivers a channel message once per member mud, excluding the
// sending connection.
func (s *Server) fanOutChannel(sender *peerConn, env *wire.Envelope, members []string) {
	frame, err := wire.Encode(env)
	if err != nil {
		s.log.Error().Err(err).Str("id", env.ID).Msg("channel envelope not serializable")
		return
	}
	seen := make(map[string]struct{})
	for _, member := range members {
		mud := member
		if i := strings.LastIndex(member, "@"); i >= 0 {
			mud = member[i+1:]
		}
		if _, dup := seen[mud]; dup {
			continue
		}
		seen[mud] = struct{}{}
		pc := s.lookupPeer(mud)
		if pc == nil || pc == sender {
			continue
		}
		s.sendFrame(pc, frame, env.Type)
	}
}

func (s *Server) sendChannelError(sender *peerConn, env *wire.Envelope, channel string, err error) {
	code := wire.CodeInternalError
	switch {
	case errors.Is(err, channels.ErrNotFound):
		code = wire.CodeChannelNotFound
	case errors.Is(err, channels.ErrBanned),
		errors.Is(err, channels.ErrRestricted),
		errors.Is(err, channels.ErrNotMember),
		errors.Is(err, channels.ErrNotModerator),
		errors.Is(err, channels.ErrBadPassword):
		code = wire.CodeUnauthorized
	}
	s.sendError(sender, env.From, code, err.Error(), map[string]any{"channel": channel})
}

// appendHistory records the envelope in the per-kind history ring. Best
// effort: a registry failure is counted and forgotten.
func (s *Server) appendHistory(env *wire.Envelope) {
	frame, err := wire.Encode(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := registry.MessageHistoryKey(string(env.Type))
	if err := s.reg.ListPush(ctx, key, string(frame)); err != nil {
		s.obs.HistoryDrop()
		return
	}
	if err := s.reg.ListTrim(ctx, key, 0, int64(s.cfg.HistoryRingSize-1)); err != nil {
		s.log.Warn().Err(err).Str("kind", string(env.Type)).Msg("history trim failed")
	}
}

// History returns the most recent envelopes of one kind, newest first.
func (s *Server) History(ctx context.Context, kind wire.Type, limit int) ([]*wire.Envelope, error) {
	if limit <= 0 || limit > s.cfg.HistoryRingSize {
		limit = s.cfg.HistoryRingSize
	}
	lines, err := s.reg.ListRange(ctx, registry.MessageHistoryKey(string(kind)), 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	out := make([]*wire.Envelope, 0, len(lines))
	for _, line := range lines {
		env, derr := wire.Decode([]byte(line), wire.Constraints{MaxFrameBytes: s.cfg.MaxFrameBytes})
		if derr != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}
