// Package web hosts the HTTP listener: the Telegram webhook endpoint, health
// checks and metrics.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"tg_shop_bot/internal/logging"
	"tg_shop_bot/internal/metrics"
)

const (
	pingTimeout       = 2 * time.Second
	readHeaderTimeout = 5 * time.Second

	// SecretHeader carries the webhook secret token set via setWebhook.
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// TelegramNetworks are the subnets Telegram delivers webhooks from.
var TelegramNetworks = []string{"149.154.160.0/20", "91.108.4.0/22"}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the server.
type Options struct {
	Addr string
	// WebhookPath and WebhookHandler mount the update endpoint; both are
	// required together.
	WebhookPath    string
	WebhookHandler http.Handler
	WebhookSecret  string
	// TrustedNetworks overrides TelegramNetworks.
	TrustedNetworks []string
	// TrustedProxies are peers whose X-Forwarded-For header is honoured.
	TrustedProxies []string
	// Checks are pinged by /healthz, keyed by name.
	Checks map[string]Pinger
	Logger *logrus.Entry
}

// Server owns the HTTP listener.
type Server struct {
	server  *http.Server
	logger  *logrus.Entry
	checks  map[string]Pinger
	secret  string
	trusted []*net.IPNet
	proxies []*net.IPNet
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewServer builds the router and the underlying http.Server.
func NewServer(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Logger()
	}

	networks := opts.TrustedNetworks
	if len(networks) == 0 {
		networks = TelegramNetworks
	}
	trusted, err := parseNetworks(networks)
	if err != nil {
		return nil, err
	}
	proxies, err := parseNetworks(opts.TrustedProxies)
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:  logger,
		checks:  opts.Checks,
		secret:  opts.WebhookSecret,
		trusted: trusted,
		proxies: proxies,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if opts.WebhookHandler != nil {
		if !strings.HasPrefix(opts.WebhookPath, "/") {
			return nil, fmt.Errorf("webhook path %q must start with /", opts.WebhookPath)
		}
		r.With(s.ipFilter, s.secretCheck).Method(http.MethodPost, opts.WebhookPath, opts.WebhookHandler)
	}

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s, nil
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event": "http_listen",
		"addr":  s.server.Addr,
	}).Info("starting http server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server listen: %w", err)
	}

	s.logger.WithField("event", "http_stopped").Info("http server stopped")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}

	for name, checker := range s.checks {
		pingCtx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := checker.Ping(pingCtx)
		cancel()

		if err == nil {
			continue
		}

		if resp.Checks == nil {
			resp.Checks = map[string]string{}
		}
		resp.Status = "degraded"
		resp.Checks[name] = "error"
		s.logger.WithFields(logging.Fields{
			"event": "health_check_error",
			"check": name,
		}).WithError(err).Warn("dependency ping failed during health check")
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithField("event", "health_write_error").WithError(err).Error("failed to encode health response")
	}
}

func (s *Server) ipFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.clientIP(r)
		if ip == nil || !containsIP(s.trusted, ip) {
			metrics.WebhookRejected("ip")
			s.logger.WithFields(logging.Fields{
				"event":  "webhook_rejected",
				"reason": "ip",
				"remote": r.RemoteAddr,
			}).Warn("webhook request from untrusted address")
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) secretCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(SecretHeader)
		if s.secret != "" && subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			metrics.WebhookRejected("secret")
			s.logger.WithFields(logging.Fields{
				"event":  "webhook_rejected",
				"reason": "secret",
			}).Warn("webhook request with invalid secret token")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP is the peer address unless the peer is a trusted proxy. Behind a
// proxy the nearest X-Forwarded-For hop that is not itself a proxy wins, so
// hops prepended by the client are never consulted.
func (s *Server) clientIP(r *http.Request) net.IP {
	peer := remoteIP(r.RemoteAddr)
	if peer == nil || !containsIP(s.proxies, peer) {
		return peer
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if strings.TrimSpace(forwarded) == "" {
		return peer
	}

	hops := strings.Split(forwarded, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			return nil
		}
		if !containsIP(s.proxies, ip) {
			return ip
		}
	}

	return peer
}

func remoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	return net.ParseIP(host)
}

func containsIP(networks []*net.IPNet, ip net.IP) bool {
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}

	return false
}

func parseNetworks(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if !strings.Contains(cidr, "/") {
			if strings.Contains(cidr, ":") {
				cidr += "/128"
			} else {
				cidr += "/32"
			}
		}

		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted network %q: %w", cidr, err)
		}
		out = append(out, network)
	}

	return out, nil
}
