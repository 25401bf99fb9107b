package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/event"
	"github.com/parleyhq/parley/pkg/handler"
	"github.com/parleyhq/parley/pkg/service"
	"github.com/parleyhq/parley/pkg/utils"
	"gorm.io/gorm"
)

type Server struct {
	ginEngine *gin.Engine
	logger    *slog.Logger
	cfg       *config.AppConfig
	port      int
}

func NewServer(cfg *config.AppConfig, store *gorm.DB) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	// CORS middleware: allow common localhost dev origins.
	// Note: no cookies/credentials, so Allow-Credentials stays off.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// If there's no Origin header, it's not a browser CORS request.
		if origin != "" {
			allowed := strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1")

			if allowed {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, "+handler.OwnerIDHeader)
			} else {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		logger:    utils.GetLogger(),
		cfg:       cfg,
		port:      0,
	}

	server.SetupRoutes(store)

	return server
}

func (s *Server) Start(ctx context.Context) error {
	// Read port from PARLEY_PORT, falling back to the configured port.
	port := s.cfg.Port()
	if v := os.Getenv("PARLEY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p <= 65535 {
			port = p
		} else {
			s.logger.Warn("Invalid PARLEY_PORT value, falling back to config", "value", v)
		}
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host(), port)
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	// Attempt to listen on the port first; if occupied return error immediately.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	} else {
		s.port = port
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	// Listen for context cancellation for graceful shutdown.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Non-blocking: if startup fails immediately return the error; otherwise
	// return nil and let main continue.
	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}
	return nil
}

func (s *Server) SetupRoutes(store *gorm.DB) {
	// Core services
	logService := service.NewMessageLogService(store, s.logger)
	registry := service.NewConversationService(store, s.logger)
	client := service.NewCompletionClient(s.logger)
	parser := service.NewDirectiveParser(s.cfg)
	engine := service.NewSyncEngine(logService, registry, client, parser, s.cfg, s.logger)
	purge := service.NewPurgeService(logService, registry, s.logger)

	conversationHandler := handler.NewConversationHandler(registry, logService, engine, purge, s.logger)
	wsHandler := event.NewWSHandler(s.logger)

	// API group
	// /api
	apiGroup := s.ginEngine.Group("/api")

	// Runtime info (for clients to discover correct base URLs)
	apiGroup.GET("/runtime", func(c *gin.Context) {
		host := s.cfg.Host()
		port := s.port
		if port == 0 {
			port = s.cfg.Port()
		}
		c.JSON(http.StatusOK, gin.H{
			"http_base_url": fmt.Sprintf("http://%s:%d", host, port),
			"ws_base_url":   fmt.Sprintf("ws://%s:%d", host, port),
			"port":          port,
		})
	})

	// Live event stream: other tabs/devices subscribe here and re-fetch on
	// notification.
	// /api/events/ws
	apiGroup.GET("/events/ws", wsHandler.Handle)

	// Conversation management API routes
	// /api/conversations
	conversationsGroup := apiGroup.Group("/conversations")
	{
		conversationsGroup.POST("", conversationHandler.Create)
		conversationsGroup.GET("", conversationHandler.List)
		conversationsGroup.POST("/clear", conversationHandler.ClearAll)
		conversationsGroup.GET(":id", conversationHandler.Get)
		conversationsGroup.DELETE(":id", conversationHandler.Delete)
		conversationsGroup.GET(":id/messages", conversationHandler.Messages)
		conversationsGroup.POST(":id/messages", conversationHandler.Send)
		conversationsGroup.POST(":id/regenerate", conversationHandler.Regenerate)
		conversationsGroup.PUT(":id/pin", conversationHandler.SetPinned)
		conversationsGroup.PUT(":id/category", conversationHandler.SetCategory)
	}
}
