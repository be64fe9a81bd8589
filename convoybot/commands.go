package convoybot

import (
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	customIDPlanSelect    = "vpsplan"
	customIDApproval      = "vpsreq"
	customIDLinkModal     = "linkmodal"
	customIDLinkEmail     = "link_email"
	customIDSeparator     = ":"
	approvalActionApprove = "approve"
	approvalActionDeny    = "deny"
)

// serverIDOption is the required server ID argument shared by the
// management commands.
func serverIDOption() []*discordgo.ApplicationCommandOption {
	return []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        discordServerOptionName,
			Description: "Server ID (see /servers)",
			Required:    true,
		},
	}
}

// botCommands returns the slash command set registered on startup.
func botCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandCreate,
			Description: DefaultCreateCommandDescription,
		},
		{
			Name:        DiscordSlashCommandLink,
			Description: "Link your panel account to your discord account",
		},
		{
			Name:        DiscordSlashCommandUnlink,
			Description: "Remove the link to your panel account",
		},
		{
			Name:        DiscordSlashCommandPlans,
			Description: "Show the available VPS plans",
		},
		{
			Name:        DiscordSlashCommandInvites,
			Description: "Show your tracked invite count",
		},
		{
			Name:        DiscordSlashCommandServers,
			Description: "List your servers",
		},
		{
			Name:        DiscordSlashCommandStart,
			Description: "Start one of your servers",
			Options:     serverIDOption(),
		},
		{
			Name:        DiscordSlashCommandStop,
			Description: "Shut down one of your servers",
			Options:     serverIDOption(),
		},
		{
			Name:        DiscordSlashCommandRestart,
			Description: "Restart one of your servers",
			Options:     serverIDOption(),
		},
		{
			Name:        DiscordSlashCommandKill,
			Description: "Force-stop one of your servers",
			Options:     serverIDOption(),
		},
		{
			Name:        DiscordSlashCommandDelete,
			Description: "Delete one of your servers",
			Options:     serverIDOption(),
		},
		{
			Name:        DiscordSlashCommandSuspend,
			Description: "Suspend a server (staff only)",
			Options:     serverIDOption(),
		},
		{
			Name:        DiscordSlashCommandUnsuspend,
			Description: "Unsuspend a server (staff only)",
			Options:     serverIDOption(),
		},
	}
}

// handleInteraction routes interactions to their handlers: slash
// commands by name, components and modals by custom ID prefix.
func (b *Bot) handleInteraction(
	_ *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	logger := b.logger.With(interactionLogAttrs(*i)...)

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		name := i.ApplicationCommandData().Name
		logger.Info("slash command received", "command", name)
		switch name {
		case DiscordSlashCommandCreate:
			b.handleCreateCommand(i)
		case DiscordSlashCommandLink:
			b.handleLinkCommand(i)
		case DiscordSlashCommandUnlink:
			b.handleUnlinkCommand(i)
		case DiscordSlashCommandPlans:
			b.handlePlansCommand(i)
		case DiscordSlashCommandInvites:
			b.handleInvitesCommand(i)
		case DiscordSlashCommandServers:
			b.handleServersCommand(i)
		case DiscordSlashCommandStart:
			b.handlePowerCommand(i, PowerStart)
		case DiscordSlashCommandStop:
			b.handlePowerCommand(i, PowerStop)
		case DiscordSlashCommandRestart:
			b.handlePowerCommand(i, PowerRestart)
		case DiscordSlashCommandKill:
			b.handlePowerCommand(i, PowerKill)
		case DiscordSlashCommandDelete:
			b.handleDeleteCommand(i)
		case DiscordSlashCommandSuspend:
			b.handleSuspendCommand(i, true)
		case DiscordSlashCommandUnsuspend:
			b.handleSuspendCommand(i, false)
		default:
			logger.Warn("unknown slash command", "command", name)
		}
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		logger.Info("component interaction received", "custom_id", customID)
		parts := strings.Split(customID, customIDSeparator)
		switch {
		case parts[0] == customIDPlanSelect && len(parts) == 2:
			b.handlePlanSelect(i, parts[1])
		case parts[0] == customIDApproval && len(parts) == 3:
			b.handleApprovalButton(i, parts[1], parts[2])
		default:
			logger.Warn("unknown component", "custom_id", customID)
		}
	case discordgo.InteractionModalSubmit:
		customID := i.ModalSubmitData().CustomID
		logger.Info("modal submitted", "custom_id", customID)
		if customID == customIDLinkModal {
			b.handleLinkModal(i)
		} else {
			logger.Warn("unknown modal", "custom_id", customID)
		}
	default:
		logger.Warn("unhandled interaction type")
	}
}

// respondEphemeral sends a simple ephemeral text response.
func (b *Bot) respondEphemeral(i *discordgo.InteractionCreate, content string) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: truncate(content, discordMaxMessageLength),
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		b.logger.Error(
			"unable to respond to interaction",
			tint.Err(err),
			"interaction_id", i.ID,
		)
	}
}

// respondUpdate replaces the originating component message's content
// and strips its components.
func (b *Bot) respondUpdate(i *discordgo.InteractionCreate, content string) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    truncate(content, discordMaxMessageLength),
				Components: []discordgo.MessageComponent{},
			},
		},
	)
	if err != nil {
		b.logger.Error(
			"unable to update interaction message",
			tint.Err(err),
			"interaction_id", i.ID,
		)
	}
}
