// Package api serves the read-only KmanDEX REST façade.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/kmandex/internal/cache"
	"github.com/ggonzalez94/kmandex/internal/dex"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/logging"
	"github.com/ggonzalez94/kmandex/internal/units"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PoolDecimals is the scale pool reserves are rendered with, regardless of
// the token's own decimals.
const PoolDecimals = 18

// Reader is the subset of dex.Client the façade needs.
type Reader interface {
	Pools(ctx context.Context) ([]dex.Pool, error)
	LiquidityProviders(ctx context.Context) ([]common.Address, error)
	Users(ctx context.Context) ([]common.Address, error)
	SwapCount(ctx context.Context) (*big.Int, error)
}

type PoolView struct {
	PoolAddress  string `json:"poolAddress"`
	TokenA       string `json:"tokenA"`
	TokenB       string `json:"tokenB"`
	TokenAAmount string `json:"tokenAAmount"`
	TokenBAmount string `json:"tokenBAmount"`
}

type SwapsView struct {
	SwapNumber *big.Int `json:"swapNumber"`
}

type errorView struct {
	Error string `json:"error"`
}

type Options struct {
	// Cache is optional; reads go straight to the chain when nil or CacheTTL is zero.
	// It is normally scoped to the router address.
	Cache    *cache.Scope
	CacheTTL time.Duration
	// MaxStale bounds how long past expiry an entry may be served after an upstream failure.
	MaxStale time.Duration
	// RequestTimeout bounds each upstream read. Zero leaves it to the client.
	RequestTimeout time.Duration
}

type Server struct {
	reader   Reader
	opts     Options
	logger   *zap.Logger
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	cacheOps *prometheus.CounterVec
}

func NewServer(reader Reader, opts Options, logger *zap.Logger) *Server {
	s := &Server{
		reader:   reader,
		opts:     opts,
		logger:   logging.OrNop(logger).Named("api"),
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kmandex_http_requests_total",
				Help: "Total number of HTTP requests by route and status",
			},
			[]string{"route", "method", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kmandex_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kmandex_api_cache_total",
				Help: "Response cache lookups by route and result",
			},
			[]string{"route", "result"},
		),
	}
	s.registry.MustRegister(
		s.requests,
		s.latency,
		s.cacheOps,
		collectors.NewGoCollector(),
	)
	return s
}

func (s *Server) Registry() *prometheus.Registry { return s.registry }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /pools", s.instrument("/pools", s.handlePools))
	mux.Handle("GET /liquidity-providers", s.instrument("/liquidity-providers", s.handleLiquidityProviders))
	mux.Handle("GET /swaps", s.instrument("/swaps", s.handleSwaps))
	mux.Handle("GET /users", s.instrument("/users", s.handleUsers))
	mux.Handle("GET /health", s.instrument("/health", handleHealth))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return withCORS(mux)
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to five seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("listen on %s", addr), err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("api listening",
		zap.String("addr", ln.Addr().String()),
		zap.Strings("endpoints", []string{"/pools", "/liquidity-providers", "/swaps", "/users", "/health", "/metrics"}),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return clierr.Wrap(clierr.CodeInternal, "serve api", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("api shutdown", zap.Error(err))
	}
	s.logger.Info("api stopped")
	return nil
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	s.serveRead(w, r, "pools", func(ctx context.Context) (any, error) {
		pools, err := s.reader.Pools(ctx)
		if err != nil {
			return nil, err
		}
		views := make([]PoolView, 0, len(pools))
		for _, pool := range pools {
			views = append(views, PoolView{
				PoolAddress:  pool.Address.Hex(),
				TokenA:       pool.TokenA.Hex(),
				TokenB:       pool.TokenB.Hex(),
				TokenAAmount: units.Format(pool.TokenAAmount, PoolDecimals),
				TokenBAmount: units.Format(pool.TokenBAmount, PoolDecimals),
			})
		}
		return views, nil
	})
}

func (s *Server) handleLiquidityProviders(w http.ResponseWriter, r *http.Request) {
	s.serveRead(w, r, "liquidity-providers", func(ctx context.Context) (any, error) {
		addrs, err := s.reader.LiquidityProviders(ctx)
		return hexAddresses(addrs), err
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	s.serveRead(w, r, "users", func(ctx context.Context) (any, error) {
		addrs, err := s.reader.Users(ctx)
		return hexAddresses(addrs), err
	})
}

func (s *Server) handleSwaps(w http.ResponseWriter, r *http.Request) {
	s.serveRead(w, r, "swaps", func(ctx context.Context) (any, error) {
		n, err := s.reader.SwapCount(ctx)
		if err != nil {
			return nil, err
		}
		return SwapsView{SwapNumber: n}, nil
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serveRead answers from the cache when a fresh entry exists, otherwise calls
// load. A stale entry within MaxStale is served when load fails.
func (s *Server) serveRead(w http.ResponseWriter, r *http.Request, route string, load func(context.Context) (any, error)) {
	ctx := r.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	logger := s.logger.With(zap.String("route", route), zap.String("request_id", requestID(w)))

	var cached cache.Entry
	if s.cacheEnabled() {
		entry, err := s.opts.Cache.Get(route, s.opts.MaxStale)
		if err != nil {
			logger.Warn("cache read failed", zap.Error(err))
		} else {
			cached = entry
		}
		if cached.Found && !cached.Expired {
			s.cacheOps.WithLabelValues(route, "hit").Inc()
			w.Header().Set("X-Cache", "hit")
			writeRaw(w, http.StatusOK, cached.Body)
			return
		}
	}

	value, err := load(ctx)
	if err != nil {
		if cached.Found && !cached.Unusable {
			s.cacheOps.WithLabelValues(route, "stale").Inc()
			logger.Warn("serving stale response", zap.Duration("age", cached.Age), zap.Error(err))
			w.Header().Set("X-Cache", "stale")
			writeRaw(w, http.StatusOK, cached.Body)
			return
		}
		logger.Error("upstream read failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorView{Error: err.Error()})
		return
	}

	body, err := json.Marshal(value)
	if err != nil {
		logger.Error("encode response", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorView{Error: "encode response"})
		return
	}
	if s.cacheEnabled() {
		s.cacheOps.WithLabelValues(route, "miss").Inc()
		w.Header().Set("X-Cache", "miss")
		if err := s.opts.Cache.Put(route, body, s.opts.CacheTTL); err != nil {
			logger.Warn("cache write failed", zap.Error(err))
		}
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) cacheEnabled() bool {
	return s.opts.Cache != nil && s.opts.CacheTTL > 0
}

// Invalidate drops every cached response for this server's namespace.
func (s *Server) Invalidate() error {
	if s.opts.Cache == nil {
		return nil
	}
	return s.opts.Cache.Purge()
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next(rw, r)

		elapsed := time.Since(start)
		status := strconv.Itoa(rw.status)
		s.requests.WithLabelValues(route, r.Method, status).Inc()
		s.latency.WithLabelValues(route, status).Observe(elapsed.Seconds())
		s.logger.Debug("request",
			zap.String("route", route),
			zap.String("method", r.Method),
			zap.Int("status", rw.status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", id),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func requestID(w http.ResponseWriter) string {
	return w.Header().Get("X-Request-Id")
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hexAddresses(addrs []common.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Hex())
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
