package gateway

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/auth"
	"github.com/mudvault/mesh/observability"
	"github.com/mudvault/mesh/ratelimit"
	"github.com/mudvault/mesh/registry"
)

// DuplicatePolicy selects what happens when a peer authenticates with a MUD
// name that is already connected.
type DuplicatePolicy string

const (
	// DuplicateAllow accepts the new connection and logs a collision; the new
	// connection takes over routing for the name, the old one lingers until
	// it times out.
	DuplicateAllow DuplicatePolicy = "allow"
	// DuplicatePreemptOld closes the old connection in favor of the new one.
	DuplicatePreemptOld DuplicatePolicy = "preempt-old"
	// DuplicateRejectNew refuses the new connection.
	DuplicateRejectNew DuplicatePolicy = "reject-new"
)

type Config struct {
	Path          string // WebSocket endpoint path (e.g. "/ws").
	MaxFrameBytes int    // Max bytes for one envelope frame.
	MaxConns      int    // Maximum concurrent websocket connections.

	AllowedOrigins []string // Allowed Origin header values; empty allows any.
	AllowNoOrigin  bool     // Whether to allow requests without an Origin header.

	HeartbeatInterval time.Duration // Cadence of gateway-originated pings.
	HeartbeatTimeout  time.Duration // Close peers silent beyond this duration.
	AuthGrace         time.Duration // Deadline for the first (auth) frame.
	CleanupInterval   time.Duration // Background maintenance cadence.
	WriteTimeout      time.Duration // Per-frame websocket write deadline.
	MaxWriteQueue     int           // Max frames buffered per connection.

	HistoryRingSize int           // Envelopes retained per message kind.
	RegistryTTL     time.Duration // TTL for advertised peer records.

	RequireCredential bool            // Reject auth without a valid credential.
	DuplicatePolicy   DuplicatePolicy // Same-name collision handling.
	DefaultChannels   []string        // Channels created at startup.

	RateLimit ratelimit.Config

	Registry    registry.Registry     // Defaults to the in-memory registry.
	Credentials auth.CredentialStore  // Nil disables credential checks.
	Observer    observability.GatewayObserver
	Logger      zerolog.Logger
}

// DefaultConfig returns the defaults for a mesh gateway.
func DefaultConfig() Config {
	return Config{
		Path:              "/ws",
		MaxFrameBytes:     64 * 1024,
		MaxConns:          1000,
		AllowNoOrigin:     true,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		AuthGrace:         30 * time.Second,
		CleanupInterval:   10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxWriteQueue:     256,
		HistoryRingSize:   1000,
		RegistryTTL:       time.Hour,
		DuplicatePolicy:   DuplicateAllow,
		DefaultChannels:   []string{"gossip", "intermud"},
		RateLimit:         ratelimit.DefaultConfig(),
		Observer:          observability.NoopGatewayObserver,
		Logger:            zerolog.Nop(),
	}
}
