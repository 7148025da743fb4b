package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/httpapi/middleware"
	"github.com/wireloom/llamaserve/internal/config"
	"github.com/wireloom/llamaserve/internal/log"
)

// Server wraps a gin.Engine with the http.Server lifecycle cmd/llamaserve
// drives through an fx.Lifecycle hook, the same Run/Shutdown split the
// teacher's server package uses.
type Server struct {
	*gin.Engine

	cfg config.Server

	server *http.Server
}

// New builds the engine and registers every route spec §6 names, wired
// against f. Route registration happens here rather than in a separate
// constructor since there is exactly one engine per process.
func New(cfg config.Config, f *facade.Facade) *Server {
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.Recovery())
	engine.Use(middleware.AccessLog())

	if cfg.Server.CORS.Enabled {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.Server.CORS.AllowedOrigins
		corsCfg.AllowMethods = cfg.Server.CORS.AllowedMethods
		corsCfg.AllowHeaders = cfg.Server.CORS.AllowedHeaders
		corsCfg.ExposeHeaders = cfg.Server.CORS.ExposedHeaders
		corsCfg.AllowCredentials = cfg.Server.CORS.AllowCredentials
		corsCfg.MaxAge = cfg.Server.CORS.MaxAge

		corsHandler := cors.New(corsCfg)
		engine.Use(corsHandler)
		engine.OPTIONS("/*any", corsHandler)
	}

	srv := &Server{Engine: engine, cfg: cfg.Server}

	registerRoutes(engine, cfg, f)

	return srv
}

func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	log.Info(context.Background(), "run server",
		log.String("name", s.cfg.Name), log.String("host", s.cfg.Host), log.Int("port", s.cfg.Port))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.GenTimeout,
	}

	if err := s.server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}
