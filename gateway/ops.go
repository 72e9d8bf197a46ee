package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/mudvault/mesh/observability"
	"github.com/mudvault/mesh/registry"
	"github.com/mudvault/mesh/wire"
)

// handleGatewayOp answers query kinds addressed to mud == "Gateway". Replies
// come from the gateway, go back to the requesting endpoint, and copy the
// request's priority.
func (s *Server) handleGatewayOp(sender *peerConn, env *wire.Envelope) observability.RouteOutcome {
	switch env.Type {
	case wire.TypeWho:
		var p wire.WhoPayload
		if err := env.DecodePayload(&p); err != nil || !p.Request {
			return observability.RouteOutcomeGateway
		}
		reply := s.replyTo(env, wire.TypeWho, wire.WhoPayload{
			Request: false,
			Sort:    p.Sort,
			Users:   s.whoUsers(p),
		})
		if reply != nil {
			s.sendEnvelope(sender, reply)
		}
	case wire.TypeMudlist:
		var p wire.MudlistPayload
		if err := env.DecodePayload(&p); err != nil || !p.Request {
			return observability.RouteOutcomeGateway
		}
		reply := s.replyTo(env, wire.TypeMudlist, wire.MudlistPayload{
			Request: false,
			Muds:    s.mudlist(),
		})
		if reply != nil {
			s.sendEnvelope(sender, reply)
		}
	case wire.TypeChannels:
		var p wire.ChannelsPayload
		if err := env.DecodePayload(&p); err != nil || !p.Request {
			return observability.RouteOutcomeGateway
		}
		reply := s.replyTo(env, wire.TypeChannels, wire.ChannelsPayload{
			Request:  false,
			Channels: s.chans.List(),
		})
		if reply != nil {
			s.sendEnvelope(sender, reply)
		}
	case wire.TypeLocate:
		var p wire.LocatePayload
		if err := env.DecodePayload(&p); err != nil || !p.Request {
			return observability.RouteOutcomeGateway
		}
		reply := s.replyTo(env, wire.TypeLocate, wire.LocatePayload{
			User:      p.User,
			Request:   false,
			Locations: s.locate(),
		})
		if reply != nil {
			s.sendEnvelope(sender, reply)
		}
	case wire.TypeFinger:
		// Per-user detail lives on the individual muds; the gateway holds
		// none of it.
		s.sendError(sender, env.From, wire.CodeUserNotFound, "finger is answered by individual muds, not the gateway", nil)
	case wire.TypePresence:
		// Presence updates addressed to the gateway carry no reply; they are
		// acknowledged in lastSeen only.
		var p wire.PresencePayload
		if err := env.DecodePayload(&p); err != nil {
			s.sendError(sender, env.From, wire.CodeInvalidMessage, "malformed presence payload", nil)
			return observability.RouteOutcomeGateway
		}
		s.log.Debug().Str("mud", env.From.Mud).Str("status", string(p.Status)).Msg("presence update")
	default:
		s.sendError(sender, env.From, wire.CodeProtocolError, "gateway does not answer "+string(env.Type), nil)
	}
	return observability.RouteOutcomeGateway
}

// replyTo synthesizes a gateway reply to a request envelope, copying the
// requester's priority.
func (s *Server) replyTo(env *wire.Envelope, t wire.Type, payload any) *wire.Envelope {
	reply, err := wire.New(t, wire.Endpoint{Mud: wire.GatewayName}, env.From, payload)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(t)).Msg("reply not serializable")
		return nil
	}
	reply.Metadata.Priority = env.Metadata.Priority
	return reply
}

// whoUsers lists each authenticated peer as one user record. The location
// field deliberately exposes only the network host, never in-game location.
func (s *Server) whoUsers(p wire.WhoPayload) []wire.UserInfo {
	now := time.Now()
	peers := s.authenticatedPeers()
	users := make([]wire.UserInfo, 0, len(peers))
	for _, pc := range peers {
		name := pc.name()
		if p.Filter != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(p.Filter)) {
			continue
		}
		idle := int64(now.Sub(pc.lastSeenAt()) / time.Second)
		users = append(users, wire.UserInfo{
			Username: name,
			IdleTime: idle,
			Location: HostOnly(pc.host),
			Flags:    []string{"mud", "system"},
		})
	}
	switch p.Sort {
	case wire.WhoSortIdle:
		sort.SliceStable(users, func(i, j int) bool { return users[i].IdleTime < users[j].IdleTime })
	case wire.WhoSortRandom:
		rand.Shuffle(len(users), func(i, j int) { users[i], users[j] = users[j], users[i] })
	case wire.WhoSortLevel:
		// Peers carry no level; stable order is the documented behavior.
	default:
		sort.SliceStable(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	}
	return users
}

// mudlist builds the richer per-peer view, merging advertised registry fields
// when present.
func (s *Server) mudlist() []wire.MudInfo {
	now := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	peers := s.authenticatedPeers()
	muds := make([]wire.MudInfo, 0, len(peers))
	for _, pc := range peers {
		pc.mu.Lock()
		info := wire.MudInfo{
			Name:    pc.mudName,
			Host:    HostOnly(pc.host),
			Version: pc.version,
			Uptime:  int64(now.Sub(pc.connectedAt) / time.Second),
		}
		pc.mu.Unlock()
		if raw, err := s.reg.Get(ctx, registry.MudInfoKey(info.Name)); err == nil {
			var advertised struct {
				Admin       string `json:"admin"`
				Email       string `json:"email"`
				Description string `json:"description"`
			}
			if json.Unmarshal([]byte(raw), &advertised) == nil {
				info.Admin = advertised.Admin
				info.Email = advertised.Email
				info.Description = advertised.Description
			}
		} else if !errors.Is(err, registry.ErrNotFound) {
			s.log.Debug().Err(err).Str("mud", info.Name).Msg("advertised info unavailable")
		}
		muds = append(muds, info)
	}
	sort.Slice(muds, func(i, j int) bool { return muds[i].Name < muds[j].Name })
	return muds
}

// locate returns one online entry per connected peer. The gateway does not
// track individual users across muds; the requester resolves the user itself.
func (s *Server) locate() []wire.UserLocation {
	peers := s.authenticatedPeers()
	locations := make([]wire.UserLocation, 0, len(peers))
	for _, pc := range peers {
		locations = append(locations, wire.UserLocation{Mud: pc.name(), Online: true})
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].Mud < locations[j].Mud })
	return locations
}
