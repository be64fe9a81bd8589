package convoybot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// ErrServerNotOwned indicates a server exists but belongs to a
// different panel account than the caller's linked one.
var ErrServerNotOwned = errors.New("server belongs to a different panel account")

const serverListPageSize = 50

// userServers returns all panel servers owned by the caller's linked
// panel account, walking the paginated server list.
func (b *Bot) userServers(
	ctx context.Context,
	discordID string,
) ([]PanelServer, error) {
	panelUserID, err := b.links.PanelUserID(discordID)
	if err != nil {
		return nil, err
	}
	var owned []PanelServer
	page := 1
	for {
		servers, meta, err := b.panel.ListServers(ctx, page, serverListPageSize, "")
		if err != nil {
			return nil, err
		}
		for _, server := range servers {
			if server.UserID == panelUserID {
				owned = append(owned, server)
			}
		}
		if meta == nil || meta.Pagination.CurrentPage >= meta.Pagination.TotalPages {
			break
		}
		page++
	}
	return owned, nil
}

// ownedServer fetches a server and verifies it belongs to the
// caller's linked panel account.
func (b *Bot) ownedServer(
	ctx context.Context,
	discordID string,
	serverID int,
) (*PanelServer, error) {
	panelUserID, err := b.links.PanelUserID(discordID)
	if err != nil {
		return nil, err
	}
	server, err := b.panel.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if server.UserID != panelUserID {
		return nil, ErrServerNotOwned
	}
	return server, nil
}

// serverOptionValue extracts the required server ID option.
func serverOptionValue(i *discordgo.InteractionCreate) (int, bool) {
	option, ok := discordInteractionOptions(i)[discordServerOptionName]
	if !ok {
		return 0, false
	}
	return int(option.IntValue()), true
}

// handleServersCommand lists the caller's servers.
func (b *Bot) handleServersCommand(i *discordgo.InteractionCreate) {
	user := interactionUser(i)
	servers, err := b.userServers(b.ctx, user.ID)
	if err != nil {
		b.respondServerError(i, user.ID, err)
		return
	}
	if len(servers) == 0 {
		b.respondEphemeral(i, "You don't have any servers.")
		return
	}
	lines := make([]string, 0, len(servers))
	for _, server := range servers {
		lines = append(lines, fmt.Sprintf(
			"- **%s** (ID %d, %s): `%s`",
			server.Name,
			server.ID,
			server.Status,
			server.Hostname,
		))
	}
	b.respondEphemeral(i, strings.Join(lines, "\n"))
}

// handlePowerCommand applies a power action to one of the caller's
// servers via the panel client API.
func (b *Bot) handlePowerCommand(
	i *discordgo.InteractionCreate,
	action PowerAction,
) {
	user := interactionUser(i)
	serverID, ok := serverOptionValue(i)
	if !ok {
		b.respondEphemeral(i, "No server specified.")
		return
	}
	server, err := b.ownedServer(b.ctx, user.ID, serverID)
	if err != nil {
		b.respondServerError(i, user.ID, err)
		return
	}
	if err = b.panel.ServerPowerAction(b.ctx, server.UUID, action); err != nil {
		b.logger.Error(
			"power action failed",
			tint.Err(err),
			"user_id", user.ID,
			"server_id", server.ID,
			"action", string(action),
		)
		b.respondEphemeral(
			i,
			"The panel rejected that action. Please try again later.",
		)
		return
	}
	b.logger.Info(
		"power action applied",
		"user_id", user.ID,
		"server_id", server.ID,
		"action", string(action),
	)
	b.respondEphemeral(
		i,
		fmt.Sprintf("Sent `%s` to **%s**.", string(action), server.Name),
	)
}

// handleDeleteCommand deletes one of the caller's servers.
func (b *Bot) handleDeleteCommand(i *discordgo.InteractionCreate) {
	user := interactionUser(i)
	serverID, ok := serverOptionValue(i)
	if !ok {
		b.respondEphemeral(i, "No server specified.")
		return
	}
	server, err := b.ownedServer(b.ctx, user.ID, serverID)
	if err != nil {
		b.respondServerError(i, user.ID, err)
		return
	}
	if err = b.panel.DeleteServer(b.ctx, server.ID); err != nil {
		b.logger.Error(
			"server deletion failed",
			tint.Err(err),
			"user_id", user.ID,
			"server_id", server.ID,
		)
		b.respondEphemeral(
			i,
			"Couldn't delete that server right now. Please try again later.",
		)
		return
	}
	b.logger.Info(
		"server deleted",
		"user_id", user.ID,
		"server_id", server.ID,
		"server_name", server.Name,
	)
	b.respondEphemeral(
		i,
		fmt.Sprintf("**%s** has been deleted.", server.Name),
	)
}

// handleSuspendCommand suspends or unsuspends any server. Restricted
// to members holding the VPS creator role.
func (b *Bot) handleSuspendCommand(
	i *discordgo.InteractionCreate,
	suspend bool,
) {
	if i.GuildID == "" {
		b.respondEphemeral(i, "This command can only be used in a server.")
		return
	}
	if !memberHasRole(i.Member, b.config.Discord.VPSCreatorRoleID) {
		b.respondEphemeral(i, "You aren't allowed to use this command.")
		return
	}
	serverID, ok := serverOptionValue(i)
	if !ok {
		b.respondEphemeral(i, "No server specified.")
		return
	}
	var err error
	verb := "suspended"
	if suspend {
		err = b.panel.SuspendServer(b.ctx, serverID)
	} else {
		verb = "unsuspended"
		err = b.panel.UnsuspendServer(b.ctx, serverID)
	}
	if err != nil {
		b.logger.Error(
			"suspension change failed",
			tint.Err(err),
			"server_id", serverID,
			"suspend", suspend,
		)
		b.respondEphemeral(
			i,
			"The panel rejected that action. Please try again later.",
		)
		return
	}
	b.logger.Info(
		"suspension changed",
		"server_id", serverID,
		"suspend", suspend,
		"admin_id", interactionUser(i).ID,
	)
	b.respondEphemeral(i, fmt.Sprintf("Server %d has been %s.", serverID, verb))
}

// respondServerError maps server lookup errors to user-facing replies.
func (b *Bot) respondServerError(
	i *discordgo.InteractionCreate,
	userID string,
	err error,
) {
	switch {
	case errors.Is(err, ErrNotLinked):
		b.respondEphemeral(
			i,
			fmt.Sprintf(
				"You need to link your panel account first. Use `/%s`.",
				DiscordSlashCommandLink,
			),
		)
	case errors.Is(err, ErrServerNotOwned):
		b.respondEphemeral(i, "That server isn't linked to your panel account.")
	case errors.Is(err, ErrPanelTimeout), errors.Is(err, ErrPanelUnreachable):
		b.respondEphemeral(
			i,
			"Couldn't reach the panel right now. Please try again later.",
		)
	default:
		var apiErr *PanelAPIError
		if errors.As(err, &apiErr) && apiErr.Status == 404 {
			b.respondEphemeral(i, "No server with that ID was found.")
			return
		}
		b.logger.Error("server lookup failed", tint.Err(err), "user_id", userID)
		b.respondEphemeral(i, "Something went wrong. Please try again later.")
	}
}
