package convoybot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handleCreateCommand opens a VPS request and offers the configured
// plans in an ephemeral select menu.
func (b *Bot) handleCreateCommand(i *discordgo.InteractionCreate) {
	user := interactionUser(i)
	if i.GuildID == "" {
		b.respondEphemeral(i, "This command can only be used in a server.")
		return
	}

	options := b.planSelectOptions()
	if len(options) == 0 {
		b.respondEphemeral(i, "No VPS plans are configured right now.")
		return
	}

	req, err := b.workflow.Start(
		b.ctx,
		user.ID,
		user.Username,
		i.GuildID,
		i.ChannelID,
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotLinked):
			b.respondEphemeral(
				i,
				fmt.Sprintf(
					"You need to link your panel account first. Use `/%s`.",
					DiscordSlashCommandLink,
				),
			)
		case errors.Is(err, ErrRequestInFlight):
			b.respondEphemeral(
				i,
				"You already have a request in progress. Finish or wait for it first.",
			)
		default:
			b.logger.Error("unable to open vps request", tint.Err(err))
			b.respondEphemeral(i, "Something went wrong. Please try again later.")
		}
		return
	}

	err = b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: "Pick a plan:",
				Flags:   discordgo.MessageFlagsEphemeral,
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.SelectMenu{
								CustomID:    customIDPlanSelect + customIDSeparator + req.ID,
								Placeholder: "Available plans",
								Options:     options,
							},
						},
					},
				},
			},
		},
	)
	if err != nil {
		b.logger.Error(
			"unable to send plan menu",
			tint.Err(err),
			"request_id", req.ID,
		)
	}
}

// planSelectOptions builds the select menu entries for every enabled
// plan category.
func (b *Bot) planSelectOptions() []discordgo.SelectMenuOption {
	rewards := b.config.Rewards
	var options []discordgo.SelectMenuOption
	if rewards.BoostEnabled {
		for n, plan := range rewards.BoostTiers {
			options = append(options, discordgo.SelectMenuOption{
				Label: plan.Name,
				Value: fmt.Sprintf("%s%s%d", PlanKindBoost, customIDSeparator, n),
				Description: truncate(
					fmt.Sprintf(
						"%s (requires %d boost(s))",
						plan.Spec.String(),
						plan.BoostsRequired,
					),
					100,
				),
			})
		}
	}
	if rewards.InviteEnabled {
		for n, plan := range rewards.InviteTiers {
			options = append(options, discordgo.SelectMenuOption{
				Label: plan.Name,
				Value: fmt.Sprintf("%s%s%d", PlanKindInvite, customIDSeparator, n),
				Description: truncate(
					fmt.Sprintf(
						"%s (requires %d invites)",
						plan.Spec.String(),
						plan.InvitesRequired,
					),
					100,
				),
			})
		}
	}
	for n, plan := range rewards.PaidPlans {
		options = append(options, discordgo.SelectMenuOption{
			Label: plan.Name,
			Value: fmt.Sprintf("%s%s%d", PlanKindPaid, customIDSeparator, n),
			Description: truncate(
				fmt.Sprintf("%s ($%.2f/mo)", plan.Spec.String(), plan.PriceUSD),
				100,
			),
		})
	}
	return options
}

// planFromValue resolves a select menu value like "boost:0" back to
// the configured plan it names.
func planFromValue(rewards *RewardConfig, value string) (Plan, error) {
	kind, indexStr, found := strings.Cut(value, customIDSeparator)
	if !found {
		return nil, fmt.Errorf("malformed plan value %q", value)
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 {
		return nil, fmt.Errorf("malformed plan index %q", value)
	}
	switch PlanKind(kind) {
	case PlanKindBoost:
		if index >= len(rewards.BoostTiers) {
			return nil, fmt.Errorf("boost plan index %d out of range", index)
		}
		return rewards.BoostTiers[index], nil
	case PlanKindInvite:
		if index >= len(rewards.InviteTiers) {
			return nil, fmt.Errorf("invite plan index %d out of range", index)
		}
		return rewards.InviteTiers[index], nil
	case PlanKindPaid:
		if index >= len(rewards.PaidPlans) {
			return nil, fmt.Errorf("paid plan index %d out of range", index)
		}
		return rewards.PaidPlans[index], nil
	default:
		return nil, fmt.Errorf("unknown plan kind %q", kind)
	}
}

// handlePlanSelect applies the user's plan choice to their request.
func (b *Bot) handlePlanSelect(
	i *discordgo.InteractionCreate,
	requestID string,
) {
	req, ok := b.workflow.Get(requestID)
	if !ok {
		b.respondUpdate(i, "This request has expired. Run the command again.")
		return
	}
	user := interactionUser(i)
	if user == nil || user.ID != req.UserID {
		b.respondEphemeral(i, "This menu isn't yours.")
		return
	}

	values := i.MessageComponentData().Values
	if len(values) != 1 {
		b.respondUpdate(i, "Invalid selection.")
		return
	}
	plan, err := planFromValue(b.config.Rewards, values[0])
	if err != nil {
		b.logger.Error("plan resolution failed", tint.Err(err), "value", values[0])
		b.respondUpdate(i, "Invalid selection.")
		return
	}

	b.respondUpdate(
		i,
		fmt.Sprintf("**%s** selected. Processing your request...", plan.PlanName()),
	)

	go func() {
		if err := b.workflow.OnPlanChosen(b.ctx, requestID, plan); err != nil {
			b.logger.Error(
				"plan selection rejected",
				tint.Err(err),
				"request_id", requestID,
			)
		}
	}()
}

// RequestApproval posts the request to the admin approval channel with
// approve/deny buttons. Satisfies the workflow's Approvals contract.
func (b *Bot) RequestApproval(req *VPSRequest) error {
	channelID := b.config.Discord.ApprovalChannelID
	if channelID == "" {
		return errors.New("no approval channel configured")
	}

	spec := req.Plan.Resources()
	fields := []*discordgo.MessageEmbedField{
		{Name: "User", Value: fmt.Sprintf("<@%s>", req.UserID), Inline: true},
		{Name: "Plan", Value: req.Plan.PlanName(), Inline: true},
		{Name: "Specs", Value: spec.String(), Inline: false},
		{Name: "Reserved IP", Value: fmt.Sprintf("`%s`", req.ReservedIP), Inline: true},
		{
			Name:   "Temp password",
			Value:  fmt.Sprintf("||%s||", req.tempPassword),
			Inline: true,
		},
	}
	if req.Plan.Kind() == PlanKindInvite {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Invite count",
			Value:  strconv.Itoa(b.invites.Get(req.GuildID, req.UserID)),
			Inline: true,
		})
	}

	customID := func(action string) string {
		return strings.Join(
			[]string{customIDApproval, req.ID, action},
			customIDSeparator,
		)
	}
	_, err := b.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:     "VPS request",
					Fields:    fields,
					Timestamp: discordNow().Format("2006-01-02T15:04:05Z07:00"),
				},
			},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    "Approve",
							Style:    discordgo.SuccessButton,
							CustomID: customID(approvalActionApprove),
						},
						discordgo.Button{
							Label:    "Deny",
							Style:    discordgo.DangerButton,
							CustomID: customID(approvalActionDeny),
						},
					},
				},
			},
		},
	)
	return err
}

// handleApprovalButton applies an admin's approve/deny click.
func (b *Bot) handleApprovalButton(
	i *discordgo.InteractionCreate,
	requestID string,
	action string,
) {
	if !memberHasRole(i.Member, b.config.Discord.VPSCreatorRoleID) {
		b.respondEphemeral(i, "You don't have permission to decide VPS requests.")
		return
	}
	if _, ok := b.workflow.Get(requestID); !ok {
		b.respondUpdate(i, "This request is no longer active.")
		return
	}

	admin := interactionUser(i)
	approved := action == approvalActionApprove
	verb := "denied"
	if approved {
		verb = "approved"
	}
	b.respondUpdate(
		i,
		fmt.Sprintf("Request %s by <@%s>.", verb, admin.ID),
	)

	go func() {
		err := b.workflow.OnAdminDecision(b.ctx, requestID, admin.ID, approved)
		if err != nil {
			b.logger.Error(
				"admin decision rejected",
				tint.Err(err),
				"request_id", requestID,
				"admin_id", admin.ID,
			)
		}
	}()
}
