package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type AuthResult string

const (
	AuthResultOK   AuthResult = "ok"
	AuthResultFail AuthResult = "fail"
)

type AuthReason string

const (
	AuthReasonOK                AuthReason = "ok"
	AuthReasonUpgradeError      AuthReason = "upgrade_error"
	AuthReasonTooManyConns      AuthReason = "too_many_connections"
	AuthReasonConnRateLimited   AuthReason = "conn_rate_limited"
	AuthReasonExpectedAuth      AuthReason = "expected_auth"
	AuthReasonInvalidAuth       AuthReason = "invalid_auth"
	AuthReasonInvalidName       AuthReason = "invalid_name"
	AuthReasonInvalidCredential AuthReason = "invalid_credential"
	AuthReasonDuplicateName     AuthReason = "duplicate_name"
	AuthReasonAuthTimeout       AuthReason = "auth_timeout"
)

type RouteOutcome string

const (
	RouteOutcomeDelivered   RouteOutcome = "delivered"
	RouteOutcomeBroadcast   RouteOutcome = "broadcast"
	RouteOutcomeGateway     RouteOutcome = "gateway"
	RouteOutcomeUnknownPeer RouteOutcome = "unknown_peer"
	RouteOutcomeExpired     RouteOutcome = "expired"
	RouteOutcomeThrottled   RouteOutcome = "throttled"
	RouteOutcomeQueueFull   RouteOutcome = "queue_full"
)

type CloseReason string

const (
	CloseReasonPeerClosed       CloseReason = "peer_closed"
	CloseReasonNonTextFrame     CloseReason = "non_text_frame"
	CloseReasonFrameTooLarge    CloseReason = "frame_too_large"
	CloseReasonProtocolError    CloseReason = "protocol_error"
	CloseReasonWriteError       CloseReason = "write_error"
	CloseReasonAuthTimeout      CloseReason = "auth_timeout"
	CloseReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	CloseReasonReplaced         CloseReason = "replaced"
	CloseReasonShutdown         CloseReason = "shutdown"
)

// GatewayObserver receives gateway-level metric events.
type GatewayObserver interface {
	ConnCount(n int64)
	ChannelCount(n int)
	Auth(result AuthResult, reason AuthReason)
	Routed(kind string, outcome RouteOutcome)
	Close(reason CloseReason)
	RouteLatency(d time.Duration)
	HistoryDrop()
}

type noopGatewayObserver struct{}

func (noopGatewayObserver) ConnCount(int64)             {}
func (noopGatewayObserver) ChannelCount(int)            {}
func (noopGatewayObserver) Auth(AuthResult, AuthReason) {}
func (noopGatewayObserver) Routed(string, RouteOutcome) {}
func (noopGatewayObserver) Close(CloseReason)           {}
func (noopGatewayObserver) RouteLatency(time.Duration)  {}
func (noopGatewayObserver) HistoryDrop()                {}

// NoopGatewayObserver is a zero-cost observer used when metrics are disabled.
var NoopGatewayObserver GatewayObserver = noopGatewayObserver{}

// AtomicGatewayObserver swaps its delegate at runtime.
type AtomicGatewayObserver struct {
	once sync.Once
	v    atomic.Value
}

type gatewayObserverHolder struct {
	obs GatewayObserver
}

// NewAtomicGatewayObserver returns an initialized atomic observer.
func NewAtomicGatewayObserver() *AtomicGatewayObserver {
	a := &AtomicGatewayObserver{}
	a.once.Do(func() { a.v.Store(&gatewayObserverHolder{obs: NoopGatewayObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicGatewayObserver) Set(obs GatewayObserver) {
	if obs == nil {
		obs = NoopGatewayObserver
	}
	a.once.Do(func() { a.v.Store(&gatewayObserverHolder{obs: NoopGatewayObserver}) })
	a.v.Store(&gatewayObserverHolder{obs: obs})
}

func (a *AtomicGatewayObserver) load() GatewayObserver {
	a.once.Do(func() { a.v.Store(&gatewayObserverHolder{obs: NoopGatewayObserver}) })
	return a.v.Load().(*gatewayObserverHolder).obs
}

func (a *AtomicGatewayObserver) ConnCount(n int64)  { a.load().ConnCount(n) }
func (a *AtomicGatewayObserver) ChannelCount(n int) { a.load().ChannelCount(n) }
func (a *AtomicGatewayObserver) Auth(result AuthResult, reason AuthReason) {
	a.load().Auth(result, reason)
}
func (a *AtomicGatewayObserver) Routed(kind string, outcome RouteOutcome) {
	a.load().Routed(kind, outcome)
}
func (a *AtomicGatewayObserver) Close(reason CloseReason)     { a.load().Close(reason) }
func (a *AtomicGatewayObserver) RouteLatency(d time.Duration) { a.load().RouteLatency(d) }
func (a *AtomicGatewayObserver) HistoryDrop()                 { a.load().HistoryDrop() }
