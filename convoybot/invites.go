package convoybot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// inviteSnapshot maps invite codes to their use counts at a point in time.
type inviteSnapshot map[string]int

// guildInviteLister is the slice of the discord session the tracker needs.
type guildInviteLister interface {
	GuildInvites(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Invite, error)
}

// InviteTracker attributes member joins to the inviter whose invite's
// use count increased, comparing live invite lists against per-guild
// snapshots. Attribution only counts a join when exactly one invite's
// count increased and the inviter isn't the joiner themselves.
type InviteTracker struct {
	session   guildInviteLister
	store     *InviteStore
	delay     time.Duration
	mu        sync.Mutex
	snapshots map[string]inviteSnapshot
	logger    *slog.Logger
}

func NewInviteTracker(
	session guildInviteLister,
	store *InviteStore,
	delay time.Duration,
	logger *slog.Logger,
) *InviteTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &InviteTracker{
		session:   session,
		store:     store,
		delay:     delay,
		snapshots: map[string]inviteSnapshot{},
		logger:    logger.With(loggerNameKey, "invite_tracker"),
	}
}

// RefreshGuild replaces the cached snapshot for a guild with the
// current invite list.
func (t *InviteTracker) RefreshGuild(guildID string) error {
	invites, err := t.session.GuildInvites(guildID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.snapshots[guildID] = snapshotInvites(invites)
	t.mu.Unlock()
	t.logger.Debug(
		"refreshed invite snapshot",
		"guild_id", guildID,
		"invites", len(invites),
	)
	return nil
}

// RunCacheLoop periodically refreshes all tracked guild snapshots so
// attribution survives invites created or revoked while events were
// missed. Blocks until ctx is canceled.
func (t *InviteTracker) RunCacheLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInviteCacheInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, guildID := range t.trackedGuilds() {
				if err := t.RefreshGuild(guildID); err != nil {
					t.logger.Warn(
						"invite snapshot refresh failed",
						tint.Err(err),
						"guild_id", guildID,
					)
				}
			}
		}
	}
}

func (t *InviteTracker) trackedGuilds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	guilds := make([]string, 0, len(t.snapshots))
	for guildID := range t.snapshots {
		guilds = append(guilds, guildID)
	}
	return guilds
}

// HandleMemberJoin processes a guild member join. It waits a short
// grace period for discord's invite counts to settle, then compares
// the live invite list against the cached snapshot. The snapshot is
// replaced afterwards regardless of whether attribution succeeded.
func (t *InviteTracker) HandleMemberJoin(
	ctx context.Context,
	guildID string,
	joinerID string,
) {
	if t.delay > 0 {
		timer := time.NewTimer(t.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	invites, err := t.session.GuildInvites(guildID)
	if err != nil {
		t.logger.Error(
			"unable to fetch invites for join attribution",
			tint.Err(err),
			"guild_id", guildID,
			"joiner_id", joinerID,
		)
		return
	}

	t.mu.Lock()
	prev := t.snapshots[guildID]
	t.snapshots[guildID] = snapshotInvites(invites)
	t.mu.Unlock()

	inviterID, ok := attributeJoin(prev, invites, joinerID)
	if !ok {
		t.logger.Info(
			"join not attributed",
			"guild_id", guildID,
			"joiner_id", joinerID,
		)
		return
	}

	count := t.store.Increment(guildID, inviterID)
	t.logger.Info(
		"join attributed",
		"guild_id", guildID,
		"joiner_id", joinerID,
		"inviter_id", inviterID,
		"invite_count", count,
	)
}

func snapshotInvites(invites []*discordgo.Invite) inviteSnapshot {
	snapshot := make(inviteSnapshot, len(invites))
	for _, invite := range invites {
		snapshot[invite.Code] = invite.Uses
	}
	return snapshot
}

// attributeJoin finds the inviter responsible for a join. An invite
// counts as "increased" when its use count exceeds the cached value,
// with unseen codes treated as previously -1 so brand-new invites are
// candidates too. Exactly one increased invite is required; self
// invites never count.
func attributeJoin(
	prev inviteSnapshot,
	current []*discordgo.Invite,
	joinerID string,
) (string, bool) {
	var increased []*discordgo.Invite
	for _, invite := range current {
		cachedUses, ok := prev[invite.Code]
		if !ok {
			cachedUses = -1
		}
		if invite.Uses > cachedUses {
			increased = append(increased, invite)
		}
	}
	if len(increased) != 1 {
		return "", false
	}
	inviter := increased[0].Inviter
	if inviter == nil || inviter.ID == joinerID {
		return "", false
	}
	return inviter.ID, true
}
