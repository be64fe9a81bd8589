// Package convoybot implements a Discord bot that provisions VPSes on
// a Convoy hosting panel. Users link their panel accounts, earn plans
// through server boosts or invites, and request servers through a
// slash command workflow that routes every creation through admin
// approval. IP addresses come from a file-backed FIFO pool and are
// returned whenever a request ends without a server.
package convoybot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin/binding"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Bot wires the discord surface, panel client, stores and workflow
// together and owns their lifecycles.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	// ctx is the run context, used by interaction handlers that spawn
	// background work
	ctx context.Context

	discord  *Discord
	panel    *PanelClient
	links    *LinkStore
	invites  *InviteStore
	pool     *IPPool
	tracker  *InviteTracker
	workflow *Workflow
	audit    *auditStore
	db       *gorm.DB
	api      *apiServer
}

// New assembles a Bot from config. The gateway isn't opened and no
// files are written until Run.
func New(ctx context.Context, config *Config) (*Bot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if err := binding.Validator.ValidateStruct(config.Discord); err != nil {
		return nil, fmt.Errorf("discord config: %w", err)
	}
	if err := binding.Validator.ValidateStruct(config.Panel); err != nil {
		return nil, fmt.Errorf("panel config: %w", err)
	}

	handler := newLogHandler(config.LogLevel)
	logger := slog.New(handler).With(loggerNameKey, "bot")
	slog.SetDefault(slog.New(handler))

	if config.Panel.PanelURL == "" {
		config.Panel.PanelURL = config.Panel.BaseURL
	}
	if config.Discord.httpClient == nil {
		config.Discord.httpClient = config.HTTPClient
	}

	discord, err := NewDiscord(
		ctx,
		config.Discord,
		newLogHandler(config.Discord.LogLevel),
	)
	if err != nil {
		return nil, err
	}

	componentLog := slog.New(handler)
	links, err := NewLinkStore(config.Files.LinkedAccounts, componentLog)
	if err != nil {
		return nil, fmt.Errorf("loading link store: %w", err)
	}
	invites, err := NewInviteStore(config.Files.InviteCounts, componentLog)
	if err != nil {
		return nil, fmt.Errorf("loading invite store: %w", err)
	}

	panel := NewPanelClient(
		config.Panel,
		slog.New(newLogHandler(config.Panel.LogLevel)),
	)
	if config.HTTPClient != nil {
		panel.httpClient = config.HTTPClient
	}

	pool := NewIPPool(config.Files.IPPool, componentLog)
	tracker := NewInviteTracker(
		discord.session,
		invites,
		config.Workflow.InviteCheckDelay,
		componentLog,
	)

	b := &Bot{
		config:     config,
		logger:     logger,
		logHandler: handler,
		ctx:        ctx,
		discord:    discord,
		panel:      panel,
		links:      links,
		invites:    invites,
		pool:       pool,
		tracker:    tracker,
	}
	b.workflow = NewWorkflow(
		WorkflowDeps{
			Pool:     pool,
			Links:    links,
			Invites:  invites,
			Creator:  panel,
			Notifier: discord,
			Approval: b,
			Guilds:   discord,
		},
		config.Workflow,
		config.Provision,
		config.Rewards,
		config.Discord.BotOwnerUserID,
		config.Panel.PanelURL,
		componentLog,
	)
	if config.API.Enabled {
		b.api = newAPIServer(b, config.API, newLogHandler(config.API.LogLevel))
	}
	return b, nil
}

// Run starts the bot and blocks until ctx is canceled or startup
// fails.
func (b *Bot) Run(ctx context.Context) error {
	b.ctx = ctx

	startupCtx, cancelStartup := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer cancelStartup()

	db, err := CreateDB(
		startupCtx,
		b.config.Database,
		newLogHandler(b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return err
	}
	b.db = db
	b.audit = newAuditStore(db, slog.New(b.logHandler))
	b.workflow.audit = b.audit

	b.registerHandlers()

	if err = b.discord.Open(); err != nil {
		return err
	}
	b.logger.InfoContext(startupCtx, "gateway session opened")

	if err = b.discord.RegisterCommands(botCommands()); err != nil {
		closeErr := b.discord.Close()
		return errors.Join(err, closeErr)
	}

	var wg sync.WaitGroup
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.tracker.RunCacheLoop(runCtx, b.config.Workflow.InviteCacheInterval)
	}()

	apiErr := make(chan error, 1)
	if b.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if serveErr := b.api.Serve(runCtx); serveErr != nil {
				apiErr <- serveErr
			}
		}()
	}

	b.logger.InfoContext(startupCtx, "bot running", "config", b.config)

	select {
	case <-ctx.Done():
	case err = <-apiErr:
		b.logger.Error("status api failed", tint.Err(err))
	}

	return errors.Join(err, b.shutdown(&wg, cancelRun))
}

func (b *Bot) shutdown(wg *sync.WaitGroup, cancelRun context.CancelFunc) error {
	b.logger.Info("shutting down")
	cancelRun()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(b.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		b.logger.Warn("shutdown timed out, forcing exit")
	}

	closeErr := b.discord.Close()
	if closeErr != nil {
		b.logger.Error("error closing gateway session", tint.Err(closeErr))
	}
	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			closeErr = errors.Join(closeErr, sqlDB.Close())
		}
	}
	b.logger.Info("shutdown complete")
	return closeErr
}

// registerHandlers attaches the gateway event handlers.
func (b *Bot) registerHandlers() {
	b.discord.session.AddHandler(b.discord.handleReady)
	b.discord.session.AddHandler(b.discord.handleConnect)
	b.discord.session.AddHandler(b.discord.handleDisconnect)
	b.discord.session.AddHandler(b.handleInteraction)
	b.discord.session.AddHandler(
		func(_ *discordgo.Session, g *discordgo.GuildCreate) {
			if err := b.tracker.RefreshGuild(g.ID); err != nil {
				b.logger.Warn(
					"initial invite snapshot failed",
					tint.Err(err),
					"guild_id", g.ID,
				)
			}
		},
	)
	b.discord.session.AddHandler(
		func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
			if m.User == nil || m.User.Bot {
				return
			}
			go b.tracker.HandleMemberJoin(b.ctx, m.GuildID, m.User.ID)
		},
	)
}
