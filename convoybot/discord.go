package convoybot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// DiscordSessionHandler is the slice of discordgo.Session the bot
// uses, extracted so tests can substitute a mock session.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	UpdateCustomStatus(state string) error
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	GuildInvites(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Invite, error)
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)
	Guild(
		guildID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Guild, error)
}

// Discord owns the gateway session and implements the workflow's
// Notifier and GuildInfo contracts on top of it.
type Discord struct {
	config    *DiscordConfig
	session   DiscordSessionHandler
	logger    *slog.Logger
	connected atomic.Bool
}

func NewDiscord(
	ctx context.Context,
	cfg *DiscordConfig,
	handler slog.Handler,
) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = cfg.GatewayIntents
	if cfg.httpClient != nil {
		session.Client = cfg.httpClient
	}
	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newLogHandler(cfg.DiscordGoLogLevel),
	)
	return &Discord{
		config:  cfg,
		session: session,
		logger:  slog.New(handler).With(loggerNameKey, "discord"),
	}, nil
}

// Connected reports whether the gateway session is currently up.
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

// Open connects to the gateway and announces the configured status.
func (d *Discord) Open() error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("opening gateway session: %w", err)
	}
	if d.config.CustomStatus != "" {
		if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
			d.logger.Warn("unable to set custom status", tint.Err(err))
		}
	}
	return nil
}

func (d *Discord) Close() error {
	return d.session.Close()
}

// RegisterCommands bulk-overwrites the bot's slash commands. With a
// guild ID configured the commands are guild-scoped and available
// immediately; otherwise they're global.
func (d *Discord) RegisterCommands(
	commands []*discordgo.ApplicationCommand,
) error {
	registered, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
	)
	if err != nil {
		return fmt.Errorf("registering commands: %w", err)
	}
	names := make([]string, 0, len(registered))
	for _, cmd := range registered {
		names = append(names, cmd.Name)
	}
	d.logger.Info("registered commands", "commands", names)
	return nil
}

// NotifyUser DMs a user. If the DM fails (closed DMs, blocked bot) and
// a fallback channel is known, a mention is posted there instead.
func (d *Discord) NotifyUser(
	userID string,
	fallbackChannelID string,
	content string,
) error {
	channel, err := d.session.UserChannelCreate(userID)
	if err == nil {
		_, err = d.session.ChannelMessageSend(
			channel.ID,
			truncate(content, discordMaxMessageLength),
		)
		if err == nil {
			return nil
		}
	}
	if fallbackChannelID == "" {
		return fmt.Errorf("dm to %s failed: %w", userID, err)
	}
	d.logger.Warn(
		"dm failed, falling back to channel",
		tint.Err(err),
		"user_id", userID,
		"channel_id", fallbackChannelID,
	)
	fallback := fmt.Sprintf("<@%s> %s", userID, content)
	if _, sendErr := d.session.ChannelMessageSend(
		fallbackChannelID,
		truncate(fallback, discordMaxMessageLength),
	); sendErr != nil {
		return fmt.Errorf("dm and channel fallback both failed: %w", sendErr)
	}
	return nil
}

// NotifyChannel posts a plain message to a channel.
func (d *Discord) NotifyChannel(channelID string, content string) error {
	_, err := d.session.ChannelMessageSend(
		channelID,
		truncate(content, discordMaxMessageLength),
	)
	return err
}

// BoostStatus reports whether a member is boosting and the guild's
// premium tier.
func (d *Discord) BoostStatus(
	guildID string,
	userID string,
) (bool, int, error) {
	member, err := d.session.GuildMember(guildID, userID)
	if err != nil {
		return false, 0, fmt.Errorf("fetching member: %w", err)
	}
	guild, err := d.session.Guild(guildID)
	if err != nil {
		return false, 0, fmt.Errorf("fetching guild: %w", err)
	}
	return member.PremiumSince != nil, int(guild.PremiumTier), nil
}

func (d *Discord) handleConnect(_ *discordgo.Session, _ *discordgo.Connect) {
	d.connected.Store(true)
	d.logger.Info("gateway connected")
}

func (d *Discord) handleDisconnect(
	_ *discordgo.Session,
	_ *discordgo.Disconnect,
) {
	d.connected.Store(false)
	d.logger.Warn("gateway disconnected")
}

func (d *Discord) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	d.logger.Info(
		"gateway ready",
		"username", r.User.Username,
		"guilds", len(r.Guilds),
		"session_id", r.SessionID,
	)
	if d.config.LogChannelID != "" && d.config.StartupMessage != "" {
		if _, err := d.session.ChannelMessageSend(
			d.config.LogChannelID,
			d.config.StartupMessage,
		); err != nil {
			d.logger.Warn("unable to send startup message", tint.Err(err))
		}
	}
}

// memberHasRole reports whether an interaction member carries the
// given role.
func memberHasRole(member *discordgo.Member, roleID string) bool {
	if member == nil {
		return false
	}
	for _, role := range member.Roles {
		if role == roleID {
			return true
		}
	}
	return false
}

// discordNow is stubbed in tests that assert on embed timestamps.
var discordNow = func() time.Time { return time.Now().UTC() }
