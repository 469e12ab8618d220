package devicectl

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"steeple-sync/internal/middleware"
	"steeple-sync/pkg/logger"
)

// Server is the loopback control surface: the device UI and local
// tooling talk to the sync engine through it. It binds to localhost
// only and carries no authentication of its own.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	log    *logger.Logger
}

func NewServer(addr string, h *Handler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestIDMiddleware())
	engine.Use(middleware.LoggingMiddleware(log))
	engine.Use(middleware.ErrorHandler(log))

	h.RegisterRoutes(engine)

	return &Server{
		engine: engine,
		srv: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Infof("control api listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
