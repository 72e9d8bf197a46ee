package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/auth"
	"github.com/mudvault/mesh/gateway"
	"github.com/mudvault/mesh/internal/cmdutil"
	meshversion "github.com/mudvault/mesh/internal/version"
	"github.com/mudvault/mesh/observability"
	"github.com/mudvault/mesh/observability/prom"
	"github.com/mudvault/mesh/registry"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicGatewayObserver
	srv      *gateway.Server
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicGatewayObserver, srv *gateway.Server) *metricsController {
	return &metricsController{
		handler:  handler,
		observer: observer,
		srv:      srv,
	}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	obs := prom.NewGatewayObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(obs)
	stats := c.srv.Stats()
	obs.ConnCount(stats.ConnCount)
	obs.ChannelCount(stats.ChannelCount)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopGatewayObserver)
	c.enabled = false
}

func validateTLSFiles(certFile string, keyFile string) error {
	if certFile == "" && keyFile == "" {
		return nil
	}
	if certFile == "" || keyFile == "" {
		return errors.New("tls requires both --tls-cert-file and --tls-key-file")
	}
	return nil
}

type ready struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	Date          string `json:"date"`
	Listen        string `json:"listen"`
	WSPath        string `json:"ws_path"`
	AdvertiseHost string `json:"advertise_host,omitempty"`
	WSURL         string `json:"ws_url"`
	HealthzURL    string `json:"healthz_url"`
	MetricsURL    string `json:"metrics_url,omitempty"`
	Registry      string `json:"registry"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	cfg := gateway.DefaultConfig()

	listen := cmdutil.EnvString("MESH_GATEWAY_LISTEN", "127.0.0.1:0")
	advertiseHost := cmdutil.EnvString("MESH_GATEWAY_ADVERTISE_HOST", "")
	path := cmdutil.EnvString("MESH_GATEWAY_WS_PATH", cfg.Path)
	metricsListen := cmdutil.EnvString("MESH_GATEWAY_METRICS_LISTEN", "")
	tlsCertFile := cmdutil.EnvString("MESH_GATEWAY_TLS_CERT_FILE", "")
	tlsKeyFile := cmdutil.EnvString("MESH_GATEWAY_TLS_KEY_FILE", "")
	redisAddr := cmdutil.EnvString("MESH_GATEWAY_REDIS_ADDR", "")
	redisPassword := cmdutil.EnvString("MESH_GATEWAY_REDIS_PASSWORD", "")
	duplicatePolicy := cmdutil.EnvString("MESH_GATEWAY_DUPLICATE_POLICY", string(cfg.DuplicatePolicy))
	logLevel := cmdutil.EnvString("MESH_GATEWAY_LOG_LEVEL", "info")
	defaultChannels := cmdutil.SplitCSVEnv("MESH_GATEWAY_DEFAULT_CHANNELS")
	allowedOrigins := stringSliceFlag(cmdutil.SplitCSVEnv("MESH_GATEWAY_ALLOW_ORIGIN"))

	fail := func(key string, err error) int {
		fmt.Fprintf(stderr, "invalid %s: %v\n", key, err)
		return 2
	}
	allowNoOrigin, err := cmdutil.EnvBool("MESH_GATEWAY_ALLOW_NO_ORIGIN", cfg.AllowNoOrigin)
	if err != nil {
		return fail("MESH_GATEWAY_ALLOW_NO_ORIGIN", err)
	}
	requireCredential, err := cmdutil.EnvBool("MESH_GATEWAY_REQUIRE_CREDENTIAL", cfg.RequireCredential)
	if err != nil {
		return fail("MESH_GATEWAY_REQUIRE_CREDENTIAL", err)
	}
	maxConns, err := cmdutil.EnvInt("MESH_GATEWAY_MAX_CONNS", cfg.MaxConns)
	if err != nil {
		return fail("MESH_GATEWAY_MAX_CONNS", err)
	}
	maxFrameBytes, err := cmdutil.EnvInt("MESH_GATEWAY_MAX_FRAME_BYTES", cfg.MaxFrameBytes)
	if err != nil {
		return fail("MESH_GATEWAY_MAX_FRAME_BYTES", err)
	}
	redisDB, err := cmdutil.EnvInt("MESH_GATEWAY_REDIS_DB", 0)
	if err != nil {
		return fail("MESH_GATEWAY_REDIS_DB", err)
	}
	historyRing, err := cmdutil.EnvInt("MESH_GATEWAY_HISTORY_RING", cfg.HistoryRingSize)
	if err != nil {
		return fail("MESH_GATEWAY_HISTORY_RING", err)
	}
	heartbeatInterval, err := cmdutil.EnvDuration("MESH_GATEWAY_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return fail("MESH_GATEWAY_HEARTBEAT_INTERVAL", err)
	}
	heartbeatTimeout, err := cmdutil.EnvDuration("MESH_GATEWAY_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	if err != nil {
		return fail("MESH_GATEWAY_HEARTBEAT_TIMEOUT", err)
	}
	authGrace, err := cmdutil.EnvDuration("MESH_GATEWAY_AUTH_GRACE", cfg.AuthGrace)
	if err != nil {
		return fail("MESH_GATEWAY_AUTH_GRACE", err)
	}
	registryTTL, err := cmdutil.EnvDuration("MESH_GATEWAY_REGISTRY_TTL", cfg.RegistryTTL)
	if err != nil {
		return fail("MESH_GATEWAY_REGISTRY_TTL", err)
	}
	messagesPerMinute, err := cmdutil.EnvInt("MESH_GATEWAY_MESSAGES_PER_MINUTE", cfg.RateLimit.MessagesPerMinute)
	if err != nil {
		return fail("MESH_GATEWAY_MESSAGES_PER_MINUTE", err)
	}
	tellsPerMinute, err := cmdutil.EnvInt("MESH_GATEWAY_TELLS_PER_MINUTE", cfg.RateLimit.TellsPerMinute)
	if err != nil {
		return fail("MESH_GATEWAY_TELLS_PER_MINUTE", err)
	}
	channelsPerMinute, err := cmdutil.EnvInt("MESH_GATEWAY_CHANNELS_PER_MINUTE", cfg.RateLimit.ChannelsPerMinute)
	if err != nil {
		return fail("MESH_GATEWAY_CHANNELS_PER_MINUTE", err)
	}
	connectsPerMinute, err := cmdutil.EnvInt("MESH_GATEWAY_CONNECTS_PER_IP_PER_MINUTE", cfg.RateLimit.ConnectsPerIPPerMinute)
	if err != nil {
		return fail("MESH_GATEWAY_CONNECTS_PER_IP_PER_MINUTE", err)
	}

	fs := flag.NewFlagSet("mesh-gateway", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "listen address (env: MESH_GATEWAY_LISTEN)")
	fs.StringVar(&advertiseHost, "advertise-host", advertiseHost, "public host[:port] for ready URLs (optional) (env: MESH_GATEWAY_ADVERTISE_HOST)")
	fs.StringVar(&path, "ws-path", path, "websocket path (env: MESH_GATEWAY_WS_PATH)")
	fs.Var(&allowedOrigins, "allow-origin", "allowed Origin value (repeatable): full Origin, hostname, hostname:port, wildcard hostname, or exact non-standard values (env: MESH_GATEWAY_ALLOW_ORIGIN)")
	fs.BoolVar(&allowNoOrigin, "allow-no-origin", allowNoOrigin, "allow requests without Origin header (mud servers are not browsers) (env: MESH_GATEWAY_ALLOW_NO_ORIGIN)")
	fs.IntVar(&maxConns, "max-conns", maxConns, "max concurrent websocket connections (env: MESH_GATEWAY_MAX_CONNS)")
	fs.IntVar(&maxFrameBytes, "max-frame-bytes", maxFrameBytes, "max bytes per envelope frame (env: MESH_GATEWAY_MAX_FRAME_BYTES)")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "gateway ping cadence (env: MESH_GATEWAY_HEARTBEAT_INTERVAL)")
	fs.DurationVar(&heartbeatTimeout, "heartbeat-timeout", heartbeatTimeout, "disconnect peers silent beyond this (env: MESH_GATEWAY_HEARTBEAT_TIMEOUT)")
	fs.DurationVar(&authGrace, "auth-grace", authGrace, "deadline for the first auth frame (env: MESH_GATEWAY_AUTH_GRACE)")
	fs.IntVar(&historyRing, "history-ring", historyRing, "envelopes retained per message kind (env: MESH_GATEWAY_HISTORY_RING)")
	fs.DurationVar(&registryTTL, "registry-ttl", registryTTL, "TTL for advertised peer records (env: MESH_GATEWAY_REGISTRY_TTL)")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "redis address for the shared registry (empty uses in-memory) (env: MESH_GATEWAY_REDIS_ADDR)")
	fs.StringVar(&redisPassword, "redis-password", redisPassword, "redis AUTH password (env: MESH_GATEWAY_REDIS_PASSWORD)")
	fs.IntVar(&redisDB, "redis-db", redisDB, "redis logical database (env: MESH_GATEWAY_REDIS_DB)")
	fs.BoolVar(&requireCredential, "require-credential", requireCredential, "reject auth frames without a valid credential (env: MESH_GATEWAY_REQUIRE_CREDENTIAL)")
	fs.StringVar(&duplicatePolicy, "duplicate-policy", duplicatePolicy, "same-name collision handling: allow, preempt-old, reject-new (env: MESH_GATEWAY_DUPLICATE_POLICY)")
	fs.IntVar(&messagesPerMinute, "messages-per-minute", messagesPerMinute, "per-peer overall message budget (env: MESH_GATEWAY_MESSAGES_PER_MINUTE)")
	fs.IntVar(&tellsPerMinute, "tells-per-minute", tellsPerMinute, "per-peer tell/emote budget (env: MESH_GATEWAY_TELLS_PER_MINUTE)")
	fs.IntVar(&channelsPerMinute, "channels-per-minute", channelsPerMinute, "per-peer channel budget (env: MESH_GATEWAY_CHANNELS_PER_MINUTE)")
	fs.IntVar(&connectsPerMinute, "connects-per-ip-per-minute", connectsPerMinute, "connection attempts per remote IP (env: MESH_GATEWAY_CONNECTS_PER_IP_PER_MINUTE)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for metrics server (empty disables) (env: MESH_GATEWAY_METRICS_LISTEN)")
	fs.StringVar(&tlsCertFile, "tls-cert-file", tlsCertFile, "enable TLS with the given certificate file (env: MESH_GATEWAY_TLS_CERT_FILE)")
	fs.StringVar(&tlsKeyFile, "tls-key-file", tlsKeyFile, "enable TLS with the given private key file (env: MESH_GATEWAY_TLS_KEY_FILE)")
	fs.StringVar(&logLevel, "log-level", logLevel, "zerolog level: trace, debug, info, warn, error (env: MESH_GATEWAY_LOG_LEVEL)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage of mesh-gateway:\n")
		fs.PrintDefaults()
		printSignalHelp(stderr)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, meshversion.String(version, commit, date))
		return 0
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 2
	}
	if err := validateTLSFiles(tlsCertFile, tlsKeyFile); err != nil {
		return usageErr(err.Error())
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return usageErr("invalid --log-level: " + logLevel)
	}
	logger := zerolog.New(stderr).Level(level).With().Timestamp().Logger()

	registryName := "memory"
	var reg registry.Registry
	if redisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		reg, err = registry.NewRedis(ctx, registry.RedisOptions{
			Addr:     redisAddr,
			Password: redisPassword,
			DB:       redisDB,
		})
		cancel()
		if err != nil {
			logger.Error().Err(err).Str("addr", redisAddr).Msg("redis unreachable")
			return 1
		}
		registryName = "redis"
	} else {
		reg = registry.NewMemory()
	}
	defer reg.Close()

	observer := observability.NewAtomicGatewayObserver()
	cfg.Path = path
	cfg.MaxFrameBytes = maxFrameBytes
	cfg.MaxConns = maxConns
	cfg.AllowedOrigins = allowedOrigins
	cfg.AllowNoOrigin = allowNoOrigin
	cfg.HeartbeatInterval = heartbeatInterval
	cfg.HeartbeatTimeout = heartbeatTimeout
	cfg.AuthGrace = authGrace
	cfg.HistoryRingSize = historyRing
	cfg.RegistryTTL = registryTTL
	cfg.RequireCredential = requireCredential
	cfg.DuplicatePolicy = gateway.DuplicatePolicy(duplicatePolicy)
	if len(defaultChannels) > 0 {
		cfg.DefaultChannels = defaultChannels
	}
	cfg.RateLimit.MessagesPerMinute = messagesPerMinute
	cfg.RateLimit.TellsPerMinute = tellsPerMinute
	cfg.RateLimit.ChannelsPerMinute = channelsPerMinute
	cfg.RateLimit.ConnectsPerIPPerMinute = connectsPerMinute
	cfg.Registry = reg
	cfg.Credentials = auth.NewStore(reg)
	cfg.Observer = observer
	cfg.Logger = logger

	s, err := gateway.New(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer s.Close()

	mux := http.NewServeMux()
	s.Register(mux)

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, observer, s)
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = newHTTPServer(metricsMux)
		if tlsCertFile != "" {
			if metricsSrv.TLSConfig == nil {
				metricsSrv.TLSConfig = &tls.Config{}
			}
			if metricsSrv.TLSConfig.MinVersion == 0 {
				metricsSrv.TLSConfig.MinVersion = tls.VersionTLS12
			}
		}
		go func() {
			var err error
			if tlsCertFile != "" {
				err = metricsSrv.ServeTLS(metricsLn, tlsCertFile, tlsKeyFile)
			} else {
				err = metricsSrv.Serve(metricsLn)
			}
			if err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("metrics server failed")
			}
		}()
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	srv := newHTTPServer(mux)
	if tlsCertFile != "" {
		if srv.TLSConfig == nil {
			srv.TLSConfig = &tls.Config{}
		}
		if srv.TLSConfig.MinVersion == 0 {
			srv.TLSConfig.MinVersion = tls.VersionTLS12
		}
	}

	go func() {
		var err error
		if tlsCertFile != "" {
			err = srv.ServeTLS(ln, tlsCertFile, tlsKeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("gateway server failed")
		}
	}()

	wsScheme := "ws"
	httpScheme := "http"
	if tlsCertFile != "" {
		wsScheme = "wss"
		httpScheme = "https"
	}
	bindAddr := ln.Addr().String()
	advMainHostPort, advHostOnly, advWasSet, err := resolveAdvertiseHost(bindAddr, advertiseHost)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	out := ready{
		Version:    version,
		Commit:     commit,
		Date:       date,
		Listen:     bindAddr,
		WSPath:     path,
		WSURL:      wsScheme + "://" + advMainHostPort + path,
		HealthzURL: httpScheme + "://" + advMainHostPort + "/healthz",
		Registry:   registryName,
	}
	if advWasSet {
		out.AdvertiseHost = advertiseHost
	}
	if metricsLn != nil {
		metricsAddr := metricsLn.Addr().String()
		out.MetricsURL = httpScheme + "://" + metricsAddr + "/metrics"
		if advWasSet {
			if _, port, err := net.SplitHostPort(metricsAddr); err == nil {
				out.MetricsURL = httpScheme + "://" + net.JoinHostPort(advHostOnly, port) + "/metrics"
			}
		}
	}
	_ = json.NewEncoder(stdout).Encode(out)

	logStats := func() {
		stats := s.Stats()
		logger.Info().
			Int64("connections", stats.ConnCount).
			Int("peers", stats.PeerCount).
			Int("channels", stats.ChannelCount).
			Dur("uptime", stats.Uptime).
			Msg("gateway stats")
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)
	for {
		received := <-sig
		if handleSignal(received, logger, logStats, metrics) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		cancel()
		return 0
	}
}

func resolveAdvertiseHost(bindHostPort string, advertiseHost string) (mainHostPort string, hostOnly string, wasSet bool, err error) {
	bindHost, bindPort, err := net.SplitHostPort(bindHostPort)
	if err != nil {
		return "", "", false, err
	}
	if strings.TrimSpace(advertiseHost) == "" {
		return bindHostPort, bindHost, false, nil
	}
	raw := strings.TrimSpace(advertiseHost)
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", "", true, fmt.Errorf("invalid advertise host: %w", err)
		}
		if u.Host == "" {
			return "", "", true, errors.New("invalid advertise host: missing host")
		}
		raw = u.Host
	}
	hostOnly = raw
	if h, p, err := net.SplitHostPort(raw); err == nil {
		return net.JoinHostPort(h, p), h, true, nil
	}
	hostOnly = strings.TrimSuffix(strings.TrimPrefix(hostOnly, "["), "]")
	return net.JoinHostPort(hostOnly, bindPort), hostOnly, true, nil
}
