package convoybot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/lmittmann/tint"
)

// ErrNotLinked indicates a discord user has no linked panel account.
var ErrNotLinked = errors.New("no linked panel account")

// writeJSONAtomic marshals v with 4-space indentation and writes it to
// path via a temp file and rename, so readers never observe a partial
// file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func loadJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err = json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// LinkStore maps discord user IDs to panel user IDs, persisted as a
// flat JSON object with string values on both sides. The in-memory map
// is authoritative while the process runs; if a write fails the
// mutation stands and the failure is logged for manual recovery.
type LinkStore struct {
	path   string
	mu     sync.RWMutex
	links  map[string]string
	logger *slog.Logger
}

func NewLinkStore(path string, logger *slog.Logger) (*LinkStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LinkStore{
		path:   path,
		links:  map[string]string{},
		logger: logger.With(loggerNameKey, "link_store"),
	}
	if err := loadJSONFile(path, &s.links); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the panel user ID linked to the given discord user.
func (s *LinkStore) Get(discordID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.links[discordID]
	return id, ok
}

// PanelUserID returns the linked panel user ID as an integer. The
// store keeps IDs as strings to match the on-disk format; panel
// endpoints want numbers.
func (s *LinkStore) PanelUserID(discordID string) (int, error) {
	raw, ok := s.Get(discordID)
	if !ok {
		return 0, ErrNotLinked
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("linked panel user id %q is not numeric", raw)
	}
	return id, nil
}

// Link associates a discord user with a panel user ID, replacing any
// existing association.
func (s *LinkStore) Link(discordID string, panelUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[discordID] = panelUserID
	s.persist()
}

// Unlink removes the association for the given discord user, reporting
// whether one existed.
func (s *LinkStore) Unlink(discordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.links[discordID]
	if !existed {
		return false
	}
	delete(s.links, discordID)
	s.persist()
	return true
}

// Count returns the number of linked accounts.
func (s *LinkStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}

func (s *LinkStore) persist() {
	if err := writeJSONAtomic(s.path, s.links); err != nil {
		s.logger.Error(
			"link store persistence failed, in-memory state is ahead of disk (manual recovery required)",
			tint.Err(err),
			"path", s.path,
		)
	}
}

// InviteStore tracks successful invite counts per guild and inviter,
// persisted as nested JSON objects keyed by guild ID then user ID.
type InviteStore struct {
	path   string
	mu     sync.RWMutex
	counts map[string]map[string]int
	logger *slog.Logger
}

func NewInviteStore(path string, logger *slog.Logger) (*InviteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &InviteStore{
		path:   path,
		counts: map[string]map[string]int{},
		logger: logger.With(loggerNameKey, "invite_store"),
	}
	if err := loadJSONFile(path, &s.counts); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the tracked invite count for a user in a guild.
func (s *InviteStore) Get(guildID string, userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[guildID][userID]
}

// Increment adds one to a user's invite count and returns the new value.
func (s *InviteStore) Increment(guildID string, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	guild := s.counts[guildID]
	if guild == nil {
		guild = map[string]int{}
		s.counts[guildID] = guild
	}
	guild[userID]++
	s.persist()
	return guild[userID]
}

// Reset zeroes a user's invite count in place, reporting whether an
// entry existed. The key is kept so the persisted file still shows the
// user with a count of 0. Used after an invite-reward plan is redeemed.
func (s *InviteStore) Reset(guildID string, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	guild, ok := s.counts[guildID]
	if !ok {
		return false
	}
	if _, ok = guild[userID]; !ok {
		return false
	}
	guild[userID] = 0
	s.persist()
	return true
}

// BootstrapFiles creates any missing flat-file stores with empty
// contents, returning the paths it created. Existing files are left
// untouched.
func BootstrapFiles(cfg *FileStoreConfig) ([]string, error) {
	var created []string
	files := []struct {
		path    string
		content string
	}{
		{cfg.LinkedAccounts, "{}"},
		{cfg.InviteCounts, "{}"},
		{cfg.IPPool, ipPoolFileHeader},
	}
	for _, f := range files {
		if f.path == "" {
			continue
		}
		if _, err := os.Stat(f.path); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return created, fmt.Errorf("checking %s: %w", f.path, err)
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0o600); err != nil {
			return created, fmt.Errorf("creating %s: %w", f.path, err)
		}
		created = append(created, f.path)
	}
	return created, nil
}

func (s *InviteStore) persist() {
	if err := writeJSONAtomic(s.path, s.counts); err != nil {
		s.logger.Error(
			"invite store persistence failed, in-memory state is ahead of disk (manual recovery required)",
			tint.Err(err),
			"path", s.path,
		)
	}
}
