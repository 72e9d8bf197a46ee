// Package channels maintains per-channel membership, moderation lists, and
// bounded history for multi-peer chat channels.
package channels

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/registry"
	"github.com/mudvault/mesh/wire"
)

var (
	ErrNotFound     = errors.New("channels: no such channel")
	ErrExists       = errors.New("channels: channel already exists")
	ErrBanned       = errors.New("channels: user is banned from channel")
	ErrRestricted   = errors.New("channels: channel is restricted to specific muds")
	ErrNotMember    = errors.New("channels: user is not a member")
	ErrNotModerator = errors.New("channels: moderator privileges required")
	ErrBadPassword  = errors.New("channels: wrong channel password")
)

const (
	// MemoryHistoryCap bounds the in-process history ring per channel.
	MemoryHistoryCap = 100
	// PersistedHistoryCap bounds the history list kept in the registry.
	PersistedHistoryCap = 1000
)

// UserKey builds the membership key for an endpoint, user@mud. Endpoints
// without a user component key on the mud name alone.
func UserKey(ep wire.Endpoint) string {
	if ep.User == "" {
		return ep.Mud
	}
	return ep.User + "@" + ep.Mud
}

// meta is the persisted shape of a channel, stored as JSON under
// channel:<name>. The password is kept only in hashed form.
type meta struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Moderators   []string `json:"moderators"`
	Banned       []string `json:"banned,omitempty"`
	PasswordHash string   `json:"passwordHash,omitempty"`
	MudRestricted bool    `json:"mudRestricted,omitempty"`
	AllowedMuds  []string `json:"allowedMuds,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HistoryEntry is one persisted channel event: a message or a synthetic
// join/leave/ban action.
type HistoryEntry struct {
	Action    wire.ChannelAction `json:"action"`
	User      string             `json:"user"`
	Message   string             `json:"message,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

type channelState struct {
	mu      sync.Mutex
	meta    meta
	members map[string]struct{}
	history []HistoryEntry
}

// Service owns all channel state. Mutation goes through per-channel locks; the
// service lock only guards the channel map itself. Registry writes are
// best-effort: the in-memory state is authoritative for a running gateway.
type Service struct {
	reg registry.Registry
	log zerolog.Logger

	mu    sync.RWMutex
	chans map[string]*channelState
}

// NewService returns an empty channel service backed by the given registry.
func NewService(reg registry.Registry, log zerolog.Logger) *Service {
	return &Service{
		reg:   reg,
		log:   log.With().Str("component", "channels").Logger(),
		chans: make(map[string]*channelState),
	}
}

// Load restores channels from the registry. Failures are logged and leave the
// service empty; a gateway must be able to start without its registry.
func (s *Service) Load(ctx context.Context) {
	names, err := s.reg.SetMembers(ctx, registry.KeyActiveChannels)
	if err != nil {
		s.log.Warn().Err(err).Msg("channel load skipped, registry unavailable")
		return
	}
	for _, name := range names {
		raw, err := s.reg.Get(ctx, registry.ChannelKey(name))
		if err != nil {
			s.log.Warn().Err(err).Str("channel", name).Msg("channel meta missing, skipping")
			continue
		}
		var m meta
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			s.log.Warn().Err(err).Str("channel", name).Msg("channel meta corrupt, skipping")
			continue
		}
		st := &channelState{meta: m, members: make(map[string]struct{})}
		if members, err := s.reg.SetMembers(ctx, registry.ChannelMembersKey(name)); err == nil {
			for _, member := range members {
				st.members[member] = struct{}{}
			}
		}
		if lines, err := s.reg.ListRange(ctx, registry.ChannelHistoryKey(name), 0, MemoryHistoryCap-1); err == nil {
			// The registry list is newest-first; the in-memory ring is
			// oldest-first.
			for i := len(lines) - 1; i >= 0; i-- {
				var e HistoryEntry
				if json.Unmarshal([]byte(lines[i]), &e) == nil {
					st.history = append(st.history, e)
				}
			}
		}
		s.mu.Lock()
		s.chans[name] = st
		s.mu.Unlock()
	}
	s.log.Info().Int("channels", len(names)).Msg("channels loaded")
}

func (s *Service) get(name string) *channelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chans[name]
}

// Create registers a new channel with the creator as sole moderator.
func (s *Service) Create(ctx context.Context, name string, creator wire.Endpoint, description string, password string) error {
	s.mu.Lock()
	if _, ok := s.chans[name]; ok {
		s.mu.Unlock()
		return ErrExists
	}
	m := meta{
		Name:        name,
		Description: description,
		Moderators:  []string{UserKey(creator)},
		CreatedAt:   time.Now().UTC(),
	}
	if password != "" {
		m.PasswordHash = hashPassword(password)
	}
	st := &channelState{meta: m, members: make(map[string]struct{})}
	s.chans[name] = st
	s.mu.Unlock()

	s.persistMeta(ctx, st)
	if err := s.reg.SetAdd(ctx, registry.KeyActiveChannels, name); err != nil {
		s.log.Warn().Err(err).Str("channel", name).Msg("channel not advertised in registry")
	}
	return nil
}

// Join adds the user to the channel membership set. Joining twice is a no-op.
func (s *Service) Join(ctx context.Context, name string, user wire.Endpoint, password string) error {
	st := s.get(name)
	if st == nil {
		return ErrNotFound
	}
	key := UserKey(user)
	st.mu.Lock()
	if contains(st.meta.Banned, key) {
		st.mu.Unlock()
		return ErrBanned
	}
	if st.meta.MudRestricted && !contains(st.meta.AllowedMuds, user.Mud) {
		st.mu.Unlock()
		return ErrRestricted
	}
	if st.meta.PasswordHash != "" && !passwordMatches(st.meta.PasswordHash, password) {
		st.mu.Unlock()
		return ErrBadPassword
	}
	if _, ok := st.members[key]; ok {
		st.mu.Unlock()
		return nil
	}
	st.members[key] = struct{}{}
	entry := s.appendHistoryLocked(st, HistoryEntry{Action: wire.ChannelActionJoin, User: key, Timestamp: time.Now().UTC()})
	st.mu.Unlock()

	if err := s.reg.SetAdd(ctx, registry.ChannelMembersKey(name), key); err != nil {
		s.log.Warn().Err(err).Str("channel", name).Str("user", key).Msg("membership not persisted")
	}
	s.persistHistory(ctx, name, entry)
	return nil
}

// Leave removes the user from the membership set.
func (s *Service) Leave(ctx context.Context, name string, user wire.Endpoint) error {
	st := s.get(name)
	if st == nil {
		return ErrNotFound
	}
	key := UserKey(user)
	st.mu.Lock()
	if _, ok := st.members[key]; !ok {
		st.mu.Unlock()
		return ErrNotMember
	}
	delete(st.members, key)
	entry := s.appendHistoryLocked(st, HistoryEntry{Action: wire.ChannelActionLeave, User: key, Timestamp: time.Now().UTC()})
	st.mu.Unlock()

	if err := s.reg.SetRemove(ctx, registry.ChannelMembersKey(name), key); err != nil {
		s.log.Warn().Err(err).Str("channel", name).Str("user", key).Msg("membership removal not persisted")
	}
	s.persistHistory(ctx, name, entry)
	return nil
}

// Send records a channel message and returns the membership keys the caller
// should fan the message out to, the sender included.
func (s *Service) Send(ctx context.Context, name string, from wire.Endpoint, text string) ([]string, error) {
	st := s.get(name)
	if st == nil {
		return nil, ErrNotFound
	}
	key := UserKey(from)
	st.mu.Lock()
	if contains(st.meta.Banned, key) {
		st.mu.Unlock()
		return nil, ErrBanned
	}
	if _, ok := st.members[key]; !ok {
		st.mu.Unlock()
		return nil, ErrNotMember
	}
	entry := s.appendHistoryLocked(st, HistoryEntry{
		Action:    wire.ChannelActionMessage,
		User:      key,
		Message:   text,
		Timestamp: time.Now().UTC(),
	})
	members := make([]string, 0, len(st.members))
	for member := range st.members {
		members = append(members, member)
	}
	st.mu.Unlock()

	sort.Strings(members)
	s.persistHistory(ctx, name, entry)
	return members, nil
}

// Ban adds targetKey to the banned list and evicts them if present. Only a
// moderator of the channel may ban.
func (s *Service) Ban(ctx context.Context, name string, targetKey string, moderator wire.Endpoint) error {
	st := s.get(name)
	if st == nil {
		return ErrNotFound
	}
	st.mu.Lock()
	if !contains(st.meta.Moderators, UserKey(moderator)) {
		st.mu.Unlock()
		return ErrNotModerator
	}
	if !contains(st.meta.Banned, targetKey) {
		st.meta.Banned = append(st.meta.Banned, targetKey)
	}
	_, wasMember := st.members[targetKey]
	delete(st.members, targetKey)
	st.mu.Unlock()

	s.persistMeta(ctx, st)
	if wasMember {
		if err := s.reg.SetRemove(ctx, registry.ChannelMembersKey(name), targetKey); err != nil {
			s.log.Warn().Err(err).Str("channel", name).Str("user", targetKey).Msg("ban eviction not persisted")
		}
	}
	return nil
}

// Members returns the current membership keys of the channel.
func (s *Service) Members(name string) ([]string, error) {
	st := s.get(name)
	if st == nil {
		return nil, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.members))
	for member := range st.members {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

// History returns the in-memory history ring, oldest first.
func (s *Service) History(name string) ([]HistoryEntry, error) {
	st := s.get(name)
	if st == nil {
		return nil, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]HistoryEntry(nil), st.history...), nil
}

// List summarizes all channels for the gateway's channels reply.
func (s *Service) List() []wire.ChannelInfo {
	s.mu.RLock()
	names := make([]string, 0, len(s.chans))
	for name := range s.chans {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make([]wire.ChannelInfo, 0, len(names))
	for _, name := range names {
		st := s.get(name)
		if st == nil {
			continue
		}
		st.mu.Lock()
		info := wire.ChannelInfo{
			Name:        st.meta.Name,
			Description: st.meta.Description,
			MemberCount: len(st.members),
		}
		if st.meta.PasswordHash != "" {
			info.Flags = append(info.Flags, "password")
		}
		if st.meta.MudRestricted {
			info.Flags = append(info.Flags, "restricted")
		}
		st.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// Count returns the number of known channels.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chans)
}

// PurgePeer drops every membership belonging to the named mud, across all
// channels. Called when a peer disconnects.
func (s *Service) PurgePeer(ctx context.Context, mudName string) {
	suffix := "@" + mudName
	s.mu.RLock()
	states := make(map[string]*channelState, len(s.chans))
	for name, st := range s.chans {
		states[name] = st
	}
	s.mu.RUnlock()

	for name, st := range states {
		st.mu.Lock()
		var evicted []string
		for member := range st.members {
			if member == mudName || strings.HasSuffix(member, suffix) {
				delete(st.members, member)
				evicted = append(evicted, member)
			}
		}
		st.mu.Unlock()
		for _, member := range evicted {
			if err := s.reg.SetRemove(ctx, registry.ChannelMembersKey(name), member); err != nil {
				s.log.Warn().Err(err).Str("channel", name).Str("user", member).Msg("purge not persisted")
			}
		}
	}
}

// appendHistoryLocked pushes onto the in-memory ring, evicting the oldest
// entry past the cap. The channel lock must be held.
func (s *Service) appendHistoryLocked(st *channelState, e HistoryEntry) HistoryEntry {
	st.history = append(st.history, e)
	if len(st.history) > MemoryHistoryCap {
		st.history = st.history[len(st.history)-MemoryHistoryCap:]
	}
	return e
}

func (s *Service) persistMeta(ctx context.Context, st *channelState) {
	st.mu.Lock()
	raw, err := json.Marshal(st.meta)
	name := st.meta.Name
	st.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("channel", name).Msg("channel meta not serializable")
		return
	}
	if err := s.reg.SetWithTTL(ctx, registry.ChannelKey(name), string(raw), 0); err != nil {
		s.log.Warn().Err(err).Str("channel", name).Msg("channel meta not persisted")
	}
}

func (s *Service) persistHistory(ctx context.Context, name string, e HistoryEntry) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	key := registry.ChannelHistoryKey(name)
	if err := s.reg.ListPush(ctx, key, string(raw)); err != nil {
		s.log.Warn().Err(err).Str("channel", name).Msg("history append dropped")
		return
	}
	if err := s.reg.ListTrim(ctx, key, 0, PersistedHistoryCap-1); err != nil {
		s.log.Warn().Err(err).Str("channel", name).Msg("history trim failed")
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func passwordMatches(storedHash string, password string) bool {
	presented := hashPassword(password)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(presented)) == 1
}
