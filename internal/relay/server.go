// Package relay is the signaling relay: clients join under an identifier and
// exchange connection-setup messages through it.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peerdrop/internal/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Addr       string
	Path       string
	SendBuffer int
	Mode       string
	Logger     *logrus.Logger
}

type Server struct {
	config   Config
	log      *logrus.Entry
	registry *Registry
	engine   *gin.Engine
	listener net.Listener
	http     *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewServer builds the router and binds cfg.Addr; Run starts serving.
func NewServer(cfg Config) (*Server, error) {
	s, err := newServer(cfg)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	return s, nil
}

// NewHandler builds a relay that is served by the caller, for example
// through httptest.
func NewHandler(cfg Config) (*Server, error) {
	return newServer(cfg)
}

func newServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		log:      cfg.Logger.WithField("component", "relay"),
		registry: NewRegistry(cfg.Logger),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*wsConn]struct{}),
	}
	s.engine = s.setupRouter()
	s.http = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) setupRouter() *gin.Engine {
	switch s.config.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(s.config.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if s.config.Mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET(s.config.Path, s.handleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.registry.Stats())
	})

	return r
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	conn := newWSConn(ws, s.config.SendBuffer, s.log.WithField("remote", c.Request.RemoteAddr))
	s.track(conn, true)
	s.log.WithField("remote", c.Request.RemoteAddr).Debug("Client connected")

	go conn.writePump(s.ctx)
	go func() {
		conn.readPump(s.ctx, s.registry)
		s.track(conn, false)
	}()
}

func (s *Server) track(c *wsConn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("relay was built without a listener")
	}

	s.log.WithFields(logrus.Fields{"addr": s.Addr(), "path": s.config.Path}).Info("Relay started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.http.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.Shutdown()
	})
	return g.Wait()
}

func (s *Server) Shutdown() error {
	s.log.Info("Shutting down relay")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	s.registry.CloseAll()

	return err
}
