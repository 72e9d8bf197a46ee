// Package registry abstracts the durable key/value store backing the peer
// registry, channel state, and message history rings. All operations are
// best-effort from the gateway's point of view: callers log failures and keep
// serving from in-memory state.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("registry: key not found")

// Registry is the contract the gateway needs from the durable store: plain
// values with TTLs, sets, and trim-bounded lists.
type Registry interface {
	SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error

	SetAdd(ctx context.Context, key string, member string) error
	SetRemove(ctx context.Context, key string, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	ListPush(ctx context.Context, key string, value string) error
	ListTrim(ctx context.Context, key string, start int64, stop int64) error
	ListRange(ctx context.Context, key string, start int64, stop int64) ([]string, error)

	Close() error
}

// Key layout shared by the gateway and operator tooling.
const (
	KeyConnectedMuds  = "connected_muds"
	KeyActiveChannels = "active_channels"
)

func MudInfoKey(name string) string        { return "mud_info:" + name }
func MessageHistoryKey(kind string) string { return "message_history:" + kind }
func ChannelKey(name string) string        { return "channel:" + name }
func ChannelMembersKey(name string) string { return "channel_members:" + name }
func ChannelHistoryKey(name string) string { return "channel_history:" + name }
func CredentialKey(name string) string     { return "mud_credential:" + name }
