package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astraecs/engine/broker"
	"github.com/astraecs/engine/connection"
	"github.com/astraecs/engine/pkg/logger"
)

// ServerConfig is the worker-local acceptor's external surface (§6
// configuration surface).
type ServerConfig struct {
	Addr            string
	AdminAddr       string
	ElevationSystem string // System name whose successful result elevates a connection (§4.8)

	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	return c
}

// Server is one worker's Transport Gateway: a websocket acceptor plus a
// gin admin surface exposing health and Prometheus metrics. Grounded on
// the teacher's cmd/gateway http.Server + graceful-shutdown idiom,
// generalized from a single request-response router to a long-lived
// socket acceptor paired with a second, admin-only HTTP server.
type Server struct {
	cfg      ServerConfig
	registry *connection.Registry
	broker   *broker.Broker
	codec    Codec
	log      *logger.Logger

	upgrader websocket.Upgrader
	ws       *http.Server
	admin    *http.Server

	connSeq uint64
}

// NewServer wires a Server around an already-constructed Registry and
// Broker. The caller owns their lifetime.
func NewServer(cfg ServerConfig, registry *connection.Registry, b *broker.Broker, log *logger.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		registry: registry,
		broker:   b,
		codec:    JSONCodec{},
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", s.handleUpgrade)
	s.ws = &http.Server{
		Addr:              cfg.Addr,
		Handler:           wsMux,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	if cfg.AdminAddr != "" {
		s.admin = &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           s.adminRouter(),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
	}

	return s
}

func (s *Server) adminRouter() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": s.registry.ActiveCount(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Serve runs the websocket acceptor and, if configured, the admin surface
// until ctx is cancelled, then shuts both down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		if err := s.ws.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	if s.admin != nil {
		go func() {
			if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.shutdown()
		return err
	}

	s.shutdown()
	return nil
}

func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = s.ws.Shutdown(shutdownCtx)
	if s.admin != nil {
		_ = s.admin.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.connSeq++
	connID := connIDFromSeq(s.connSeq)
	remoteIP := remoteIPFromRequest(r)

	sess, err := s.registry.Open(connID, remoteIP, func(string) {
		// Idle timeout: closing the socket unblocks the read pump's
		// ReadMessage, which tears the rest of the connection down via
		// conn.run's deferred registry.Close.
		ws.Close()
	})
	if err != nil {
		ws.Close()
		return
	}

	c := &conn{
		connID:          connID,
		ws:              ws,
		sess:            sess,
		registry:        s.registry,
		broker:          s.broker,
		codec:           s.codec,
		log:             s.log,
		elevationSystem: s.cfg.ElevationSystem,
	}
	go c.run()
}

func remoteIPFromRequest(r *http.Request) string {
	host := r.Header.Get("X-Forwarded-For")
	if host != "" {
		return host
	}
	return r.RemoteAddr
}

func connIDFromSeq(seq uint64) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hex[seq&0xf]
		seq >>= 4
	}
	return string(buf)
}
