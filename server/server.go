// Package server 提供 HTTP 外壳：会话、上传、调参、进度查询、下载和重置。
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/billapan785-max/ai-background-remover-free/config"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
)

type Server struct {
	cfg      *config.Config
	sessions *Sessions
	engine   *gin.Engine
	cron     *cron.Cron
}

func New(cfg *config.Config, sessions *Sessions) (*Server, error) {
	gin.SetMode(cfg.Server.Mode)

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   gin.New(),
		cron:     cron.New(),
	}
	s.routes()

	if cfg.Session.SweepSpec != "" {
		if _, err := s.cron.AddFunc(cfg.Session.SweepSpec, func() {
			sessions.Sweep(time.Now())
		}); err != nil {
			return nil, fmt.Errorf("add sweep job: %w", err)
		}
	}
	return s, nil
}

func (s *Server) routes() {
	h := &handler{sessions: s.sessions, maxSize: s.cfg.Upload.MaxSize}

	r := s.engine
	r.Use(gin.Recovery())
	r.Use(Logger())
	if s.cfg.Upload.MaxSize > 0 {
		// 预留 1MB 给 multipart 其它字段
		r.MaxMultipartMemory = s.cfg.Upload.MaxSize + 1<<20
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.sessions.Len()})
	})

	api := r.Group("/api/v1")
	{
		api.POST("/sessions", h.createSession)
		api.DELETE("/sessions/:id", h.deleteSession)

		api.POST("/sessions/:id/jobs", h.submit)
		api.GET("/sessions/:id/job", h.status)
		api.PUT("/sessions/:id/job/params", h.recompute)
		api.DELETE("/sessions/:id/job", h.reset)
		api.GET("/sessions/:id/job/result", h.download)
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 阻塞直到 ctx 取消，然后优雅退出并关闭全部会话
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Port,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.cron.Start()
	defer func() {
		<-s.cron.Stop().Done()
		s.sessions.CloseAll()
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", s.cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("server shutting down")
	return srv.Shutdown(shutdownCtx)
}
