package convoybot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handleLinkCommand opens the account-link modal.
func (b *Bot) handleLinkCommand(i *discordgo.InteractionCreate) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseModal,
			Data: &discordgo.InteractionResponseData{
				CustomID: customIDLinkModal,
				Title:    DefaultLinkModalTitle,
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.TextInput{
								CustomID:    customIDLinkEmail,
								Label:       DefaultLinkModalInputLabel,
								Placeholder: DefaultLinkModalInputPlaceholder,
								Style:       discordgo.TextInputShort,
								Required:    true,
								MaxLength:   254,
							},
						},
					},
				},
			},
		},
	)
	if err != nil {
		b.logger.Error("unable to open link modal", tint.Err(err))
	}
}

// handleLinkModal resolves the submitted email against the panel and
// stores the association.
func (b *Bot) handleLinkModal(i *discordgo.InteractionCreate) {
	user := interactionUser(i)
	email := ""
	for _, row := range i.ModalSubmitData().Components {
		actionsRow, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, component := range actionsRow.Components {
			input, inputOK := component.(*discordgo.TextInput)
			if inputOK && input.CustomID == customIDLinkEmail {
				email = strings.TrimSpace(input.Value)
			}
		}
	}
	if email == "" {
		b.respondEphemeral(i, "No email address provided.")
		return
	}

	panelUser, err := b.panel.FindUserByEmail(b.ctx, email)
	if err != nil {
		switch {
		case errors.Is(err, ErrPanelUserNotFound):
			b.respondEphemeral(
				i,
				"No panel account with that email address was found.",
			)
		case errors.Is(err, ErrPanelUserAmbiguous):
			b.respondEphemeral(
				i,
				"Multiple panel accounts matched that email address. Please contact support.",
			)
		default:
			b.logger.Error(
				"panel lookup failed during link",
				tint.Err(err),
				"user_id", user.ID,
			)
			b.respondEphemeral(
				i,
				"Couldn't reach the panel right now. Please try again later.",
			)
		}
		return
	}

	b.links.Link(user.ID, strconv.Itoa(panelUser.ID))
	b.logger.Info(
		"account linked",
		"user_id", user.ID,
		"panel_user_id", panelUser.ID,
	)
	b.respondEphemeral(
		i,
		fmt.Sprintf(
			"Linked to panel account **%s**. You can now use `/%s`.",
			panelUser.Name,
			DiscordSlashCommandCreate,
		),
	)
}

// handleUnlinkCommand removes the caller's panel account link.
func (b *Bot) handleUnlinkCommand(i *discordgo.InteractionCreate) {
	user := interactionUser(i)
	if b.links.Unlink(user.ID) {
		b.logger.Info("account unlinked", "user_id", user.ID)
		b.respondEphemeral(i, "Your panel account has been unlinked.")
		return
	}
	b.respondEphemeral(i, "You don't have a linked panel account.")
}

// handlePlansCommand lists the configured plan tiers.
func (b *Bot) handlePlansCommand(i *discordgo.InteractionCreate) {
	rewards := b.config.Rewards
	var lines []string
	if rewards.BoostEnabled && len(rewards.BoostTiers) > 0 {
		lines = append(lines, "**Boost rewards**")
		for _, plan := range rewards.BoostTiers {
			lines = append(lines, fmt.Sprintf(
				"- **%s**: %s (%d boost(s), server tier %d+)",
				plan.Name,
				plan.Spec.String(),
				plan.BoostsRequired,
				plan.MinServerTier,
			))
		}
	}
	if rewards.InviteEnabled && len(rewards.InviteTiers) > 0 {
		lines = append(lines, "**Invite rewards**")
		for _, plan := range rewards.InviteTiers {
			lines = append(lines, fmt.Sprintf(
				"- **%s**: %s (%d invites)",
				plan.Name,
				plan.Spec.String(),
				plan.InvitesRequired,
			))
		}
	}
	if len(rewards.PaidPlans) > 0 {
		lines = append(lines, "**Paid plans** (open a ticket to purchase)")
		for _, plan := range rewards.PaidPlans {
			lines = append(lines, fmt.Sprintf(
				"- **%s**: %s ($%.2f/mo)",
				plan.Name,
				plan.Spec.String(),
				plan.PriceUSD,
			))
		}
	}
	if len(lines) == 0 {
		b.respondEphemeral(i, "No plans are configured right now.")
		return
	}
	b.respondEphemeral(i, strings.Join(lines, "\n"))
}

// handleInvitesCommand reports the caller's tracked invite count.
func (b *Bot) handleInvitesCommand(i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		b.respondEphemeral(i, "This command can only be used in a server.")
		return
	}
	user := interactionUser(i)
	count := b.invites.Get(i.GuildID, user.ID)
	b.respondEphemeral(
		i,
		fmt.Sprintf("You have **%d** tracked invite(s) in this server.", count),
	)
}
