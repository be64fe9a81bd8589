package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/rnnodes/convoybot/convoybot"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

CONVOY_DATABASE=/home/foo/convoybot.sqlite3
CONVOY_DATABASE_LOG_LEVEL=INFO
CONVOY_DATABASE_SLOW_THRESHOLD=200ms
CONVOY_LOG_LEVEL=INFO
CONVOY_STARTUP_TIMEOUT=30s
CONVOY_SHUTDOWN_TIMEOUT=60s

# Discord bot config

CONVOY_DISCORD_TOKEN=your-discord-bot-token
CONVOY_DISCORD_APPLICATION_ID=your-discord-bot-app-id
CONVOY_DISCORD_GUILD_ID=
CONVOY_DISCORD_VPS_CREATOR_ROLE_ID=1234567890
CONVOY_DISCORD_BOT_OWNER_USER_ID=987654321
CONVOY_DISCORD_APPROVAL_CHANNEL_ID=111222333
CONVOY_DISCORD_LOG_CHANNEL_ID=444555666
CONVOY_DISCORD_LOG_LEVEL=WARN
CONVOY_DISCORD_DISCORDGO_LOG_LEVEL=WARN
CONVOY_DISCORD_STARTUP_MESSAGE="I'm here!"
CONVOY_DISCORD_GATEWAY_INTENTS=3243773

# Panel API config

CONVOY_PANEL_BASE_URL=https://panel.example.com
CONVOY_PANEL_APPLICATION_KEY=app-key
CONVOY_PANEL_CLIENT_KEY=client-key
CONVOY_PANEL_REQUEST_TIMEOUT=45s
CONVOY_PANEL_MAX_REQUESTS_PER_SECOND=2
CONVOY_PANEL_LOG_LEVEL=DEBUG

# Provisioning defaults

CONVOY_PROVISION_NODE_ID=3
CONVOY_PROVISION_TEMPLATE_UUID=tmpl-uuid
CONVOY_PROVISION_HOSTNAME_SUFFIX=vps.example.com

# Flat-file stores

CONVOY_FILES_LINKED_ACCOUNTS=/data/linked_accounts.json
CONVOY_FILES_INVITE_COUNTS=/data/invite_counts.json
CONVOY_FILES_IP_POOL=/data/ips.txt

# Workflow

CONVOY_WORKFLOW_PLAN_SELECT_TIMEOUT=3m
CONVOY_WORKFLOW_APPROVAL_TIMEOUT=2h
CONVOY_WORKFLOW_INVITE_CHECK_DELAY=3s
CONVOY_WORKFLOW_INVITE_CACHE_INTERVAL=5m
CONVOY_WORKFLOW_TEMP_PASSWORD_LENGTH=12

# Status API

CONVOY_API_ENABLED=true
CONVOY_API_LISTEN=127.0.0.1:5000
CONVOY_API_LOG_LEVEL=DEBUG
CONVOY_API_READ_TIMEOUT=5s
CONVOY_API_READ_HEADER_TIMEOUT=5s
CONVOY_API_WRITE_TIMEOUT=10s
CONVOY_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/convoybot.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/convoybot.sqlite3", viper.GetString("database"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assert.Equal(t, "1234567890", viper.GetString("discord.vps_creator_role_id"))
	assert.Equal(t, "987654321", viper.GetString("discord.bot_owner_user_id"))
	assert.Equal(t, "111222333", viper.GetString("discord.approval_channel_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "https://panel.example.com", viper.GetString("panel.base_url"))
	assert.Equal(t, "app-key", viper.GetString("panel.application_key"))
	assert.Equal(t, "client-key", viper.GetString("panel.client_key"))
	assert.Equal(t, 45*time.Second, viper.GetDuration("panel.request_timeout"))
	assert.Equal(t, 2, viper.GetInt("panel.max_requests_per_second"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("panel.log_level"))

	assert.Equal(t, 3, viper.GetInt("provision.node_id"))
	assert.Equal(t, "tmpl-uuid", viper.GetString("provision.template_uuid"))
	assert.Equal(t, "vps.example.com", viper.GetString("provision.hostname_suffix"))

	assert.Equal(t, "/data/linked_accounts.json", viper.GetString("files.linked_accounts"))
	assert.Equal(t, "/data/invite_counts.json", viper.GetString("files.invite_counts"))
	assert.Equal(t, "/data/ips.txt", viper.GetString("files.ip_pool"))

	assert.Equal(t, 3*time.Minute, viper.GetDuration("workflow.plan_select_timeout"))
	assert.Equal(t, 2*time.Hour, viper.GetDuration("workflow.approval_timeout"))
	assert.Equal(t, 3*time.Second, viper.GetDuration("workflow.invite_check_delay"))
	assert.Equal(t, 5*time.Minute, viper.GetDuration("workflow.invite_cache_interval"))
	assert.Equal(t, 12, viper.GetInt("workflow.temp_password_length"))

	assert.True(t, viper.GetBool("api.enabled"))
	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))

	// Unmarshal the configuration into a convoybot.Config struct
	var config convoybot.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/convoybot.sqlite3", config.Database)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, "1234567890", config.Discord.VPSCreatorRoleID)
	assert.Equal(t, "987654321", config.Discord.BotOwnerUserID)
	assert.Equal(t, "111222333", config.Discord.ApprovalChannelID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "https://panel.example.com", config.Panel.BaseURL)
	assert.Equal(t, "app-key", config.Panel.ApplicationKey)
	assert.Equal(t, "client-key", config.Panel.ClientKey)
	assert.Equal(t, 45*time.Second, config.Panel.RequestTimeout)
	assert.Equal(t, 2, config.Panel.MaxRequestsPerSecond)
	assert.Equal(t, slog.LevelDebug, config.Panel.LogLevel.Level())

	assert.Equal(t, 3, config.Provision.NodeID)
	assert.Equal(t, "tmpl-uuid", config.Provision.TemplateUUID)

	assert.Equal(t, "/data/linked_accounts.json", config.Files.LinkedAccounts)
	assert.Equal(t, "/data/ips.txt", config.Files.IPPool)

	assert.Equal(t, 3*time.Minute, config.Workflow.PlanSelectTimeout)
	assert.Equal(t, 2*time.Hour, config.Workflow.ApprovalTimeout)
	assert.Equal(t, 12, config.Workflow.TempPasswordLength)

	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
}
