package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/auth"
	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/httpmw"
	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/store"
)

// publicURL is the address executors and the CLI dial back on. Wildcard
// binds fall back to loopback; executors run on the same host.
func publicURL(cfg *config.Config) string {
	if cfg.Daemon.PublicURL != "" {
		return cfg.Daemon.PublicURL
	}
	host := cfg.Daemon.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Daemon.Port)
}

// buildRouter assembles the HTTP surface: the WebSocket endpoint, health and
// version probes, and the REST login route.
func buildRouter(cfg *config.Config, d *daemon, log *logger.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "agord"))
	router.Use(httpmw.OtelTracing("agord"))

	router.GET("/ws", d.handler.Handle)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agord"})
	})
	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version})
	})

	router.POST("/auth/login", loginHandler(d, log))

	return router
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// loginHandler verifies credentials and issues a JWT. Unknown accounts and
// bad passwords share one answer so login cannot probe for users.
func loginHandler(d *daemon, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
			return
		}

		u, err := d.store.GetUserByEmail(c.Request.Context(), req.Email)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Error("Login lookup failed", zap.Error(err))
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrInvalidCredentials.Error()})
			return
		}
		if err := d.auth.VerifyPassword(u.PasswordHash, req.Password); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrInvalidCredentials.Error()})
			return
		}

		token, err := d.auth.IssueToken(u)
		if err != nil {
			log.Error("Token issuance failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token": token,
			"user":  u,
		})
	}
}

// corsMiddleware allows cross-origin access for the web UI and WebSocket
// upgrades.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
