package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/airchains-network/tee-prover/metrics"
	"github.com/airchains-network/tee-prover/state"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// StateReader exposes the in-memory pipeline state.
type StateReader interface {
	Status() state.Status
}

// FetchProgress exposes the L1 fetch position.
type FetchProgress interface {
	FetchedBlockNumber() uint64
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Health             metrics.HealthStatus `json:"health"`
	State              state.Status         `json:"state"`
	FetchedBlockNumber uint64               `json:"fetched_block_number"`
}

// Server serves health, status, metrics and the notification websocket.
type Server struct {
	addr     string
	engine   *gin.Engine
	hub      *Hub
	state    StateReader
	fetch    FetchProgress
	metrics  *metrics.Metrics
	health   *metrics.Health
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewServer(
	addr string,
	stateReader StateReader,
	fetch FetchProgress,
	m *metrics.Metrics,
	health *metrics.Health,
	hub *Hub,
	log *logrus.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:    addr,
		hub:     hub,
		state:   stateReader,
		fetch:   fetch,
		metrics: m,
		health:  health,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log.WithField("component", "api"),
	}

	engine := gin.New()
	engine.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("[API] %s - %s %s %d\n",
				param.TimeStamp.Format("2006-01-02 15:04:05"),
				param.Method,
				param.Path,
				param.StatusCode,
			)
		},
		Output:    log.Out,
		SkipPaths: []string{"/health", "/metrics"},
	}))
	engine.Use(gin.Recovery())

	engine.GET("/health", s.handleHealth)
	engine.GET("/status", s.handleStatus)
	engine.GET("/metrics", gin.WrapH(m.Handler()))
	engine.GET("/ws", s.handleWebSocket)

	s.engine = engine
	return s
}

// Handler returns the router, used in tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Starting status server on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down status server: %w", err)
	}
	s.log.Info("Status server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.health.Status()
	if !status.Healthy {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Health:             s.health.Status(),
		State:              s.state.Status(),
		FetchedBlockNumber: s.fetch.FetchedBlockNumber(),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Errorf("Failed to upgrade connection to websocket: %v", err)
		return
	}
	s.hub.serve(conn)
}
