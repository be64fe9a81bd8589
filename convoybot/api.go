package convoybot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// apiServer exposes read-only operational status over HTTP.
type apiServer struct {
	config  *APIConfig
	engine  *gin.Engine
	server  *http.Server
	bot     *Bot
	logger  *slog.Logger
	started time.Time
}

func newAPIServer(bot *Bot, cfg *APIConfig, handler slog.Handler) *apiServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSAllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.CORSAllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = DefaultAPICORSAllowMethods
	corsConfig.AllowHeaders = DefaultAPICORSAllowHeaders
	corsConfig.MaxAge = DefaultAPICORSMaxAge
	engine.Use(cors.New(corsConfig))

	api := &apiServer{
		config: cfg,
		engine: engine,
		bot:    bot,
		logger: slog.New(handler).With(loggerNameKey, "api"),
		server: &http.Server{
			Handler:           engine,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
	engine.GET("/healthz", api.getHealth)
	engine.GET("/api/status", api.getStatus)
	engine.GET("/api/requests", api.getRecentRequests)
	return api
}

func (a *apiServer) getHealth(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

type statusResponse struct {
	DiscordConnected bool             `json:"discord_connected"`
	PoolAvailable    int              `json:"pool_available"`
	LinkedAccounts   int              `json:"linked_accounts"`
	RequestsInFlight int              `json:"requests_in_flight"`
	Outcomes         map[string]int64 `json:"outcomes,omitempty"`
	UptimeSeconds    float64          `json:"uptime_seconds"`
}

func (a *apiServer) getStatus(c *gin.Context) {
	poolAvailable, err := a.bot.pool.Len()
	if err != nil {
		a.logger.Error("unable to read pool depth", tint.Err(err))
	}
	status := statusResponse{
		DiscordConnected: a.bot.discord.Connected(),
		PoolAvailable:    poolAvailable,
		LinkedAccounts:   a.bot.links.Count(),
		RequestsInFlight: a.bot.workflow.InFlight(),
		UptimeSeconds:    time.Since(a.started).Seconds(),
	}
	if a.bot.audit != nil {
		outcomes, countErr := a.bot.audit.OutcomeCounts(c.Request.Context())
		if countErr != nil {
			a.logger.Error("unable to count outcomes", tint.Err(countErr))
		} else {
			status.Outcomes = outcomes
		}
	}
	c.JSON(http.StatusOK, status)
}

const recentRequestLimit = 50

// getRecentRequests returns the newest terminal request outcomes. The
// password hash column is excluded from serialization.
func (a *apiServer) getRecentRequests(c *gin.Context) {
	if a.bot.audit == nil {
		c.JSON(http.StatusOK, []VPSAuditEntry{})
		return
	}
	entries, err := a.bot.audit.RecentOutcomes(c.Request.Context(), recentRequestLimit)
	if err != nil {
		a.logger.Error("unable to list recent outcomes", tint.Err(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// Serve listens on the configured address until ctx is canceled.
func (a *apiServer) Serve(ctx context.Context) error {
	listener, err := net.Listen(a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.config.Listen, err)
	}
	a.started = time.Now()
	a.logger.Info("status api listening", "address", a.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			a.config.WriteTimeout,
		)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
