//nolint:lll // struct tags can't be split
package convoybot

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "CONVOYBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "CONVOY"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDatabase              = "convoybot.sqlite3"
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultLinkedAccountsFile = "linked_accounts.json"
	DefaultInviteCountsFile   = "invite_counts.json"
	DefaultIPPoolFile         = "ips.txt"

	DefaultPanelRequestTimeout        = 45 * time.Second
	DefaultPanelMaxRequestsPerSecond  = 2
	DefaultPanelLogLevel              = slog.LevelInfo
	DefaultDiscordLogLevel            = slog.LevelWarn
	DefaultDiscordgoLogLevel          = slog.LevelWarn
	DefaultAPILogLevel                = slog.LevelInfo
	DefaultDiscordCustomStatus        = "/create a VPS!"
	DefaultDiscordStartupMessage      = "I'm here!"
	DefaultServerHostnameSuffix       = "rnhost.pro"
	DefaultUserSnapshotLimit          = 1
	DefaultUserBackupLimit            = 1
	DefaultUserTotalBackupLimit       = 3
	DefaultUserAllocationLimit        = 1
	DefaultTempPasswordLength         = 12
	DefaultPlanSelectTimeout          = 3 * time.Minute
	DefaultApprovalTimeout            = 2 * time.Hour
	DefaultInviteCheckDelay           = 3 * time.Second
	DefaultInviteCacheInterval        = 5 * time.Minute
	DefaultAPIListen                  = "127.0.0.1:5000"
	defaultListenNetwork              = "tcp"
	DefaultReadTimeout                = 5 * time.Second
	DefaultReadHeaderTimeout          = 5 * time.Second
	DefaultWriteTimeout               = 10 * time.Second
	DefaultIdleTimeout                = 30 * time.Second
	DefaultAPICORSMaxAge              = 12 * time.Hour
	discordMaxMessageLength           = 2000
	DiscordSlashCommandCreate         = "create"
	DiscordSlashCommandLink           = "link"
	DiscordSlashCommandUnlink         = "unlink"
	DiscordSlashCommandPlans          = "plans"
	DiscordSlashCommandInvites        = "invites"
	DiscordSlashCommandServers        = "servers"
	DiscordSlashCommandStart          = "start"
	DiscordSlashCommandStop           = "stop"
	DiscordSlashCommandRestart        = "restart"
	DiscordSlashCommandKill           = "kill"
	DiscordSlashCommandDelete         = "delete"
	DiscordSlashCommandSuspend        = "suspend"
	DiscordSlashCommandUnsuspend      = "unsuspend"
	discordServerOptionName           = "server"
	DefaultCreateCommandDescription   = "Create a VPS based on available plans"
	DefaultLinkModalTitle             = "Link Panel Account"
	DefaultLinkModalInputLabel        = "Panel account email address"
	DefaultLinkModalInputPlaceholder  = "Enter the email address used for your panel account"

	// Gateway intents: guild membership and invite events are required
	// for invite attribution, in addition to the usual guild intents.
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildInvites |
		discordgo.IntentsGuildMessages
)

var (
	DefaultAPICORSAllowMethods = []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodOptions,
	}
	DefaultAPICORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Cache-Control",
	}
)

type Config struct {
	// Database is the sqlite connection string for the VPS audit log
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Panel configures the Convoy panel API client
	Panel *PanelConfig `yaml:"panel" mapstructure:"panel" json:"panel"`

	// Rewards configures the plan tiers users can redeem
	Rewards *RewardConfig `yaml:"rewards" mapstructure:"rewards" json:"rewards"`

	// Provision holds defaults applied to server creation payloads
	Provision *ProvisionConfig `yaml:"provision" mapstructure:"provision" json:"provision"`

	// Files configures the flat-file stores (links, invite counts, IP pool)
	Files *FileStoreConfig `yaml:"files" mapstructure:"files" json:"files"`

	// API configures the operational status API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Workflow configures the VPS request workflow timeouts
	Workflow *WorkflowConfig `yaml:"workflow" mapstructure:"workflow" json:"workflow"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// VPSCreatorRoleID is the role allowed to approve/deny VPS requests
	VPSCreatorRoleID string `yaml:"vps_creator_role_id" mapstructure:"vps_creator_role_id" json:"vps_creator_role_id" binding:"required"`

	// BotOwnerUserID is DMed when paid plan requests come in
	BotOwnerUserID string `yaml:"bot_owner_user_id" mapstructure:"bot_owner_user_id" json:"bot_owner_user_id" binding:"required"`

	// ApprovalChannelID is the admin channel VPS requests are posted to.
	// If empty, user VPS creation requests cannot be processed.
	ApprovalChannelID string `yaml:"approval_channel_id" mapstructure:"approval_channel_id" json:"approval_channel_id"`

	// LogChannelID receives audit embeds for VPS creations. Empty disables it.
	LogChannelID string `yaml:"log_channel_id" mapstructure:"log_channel_id" json:"log_channel_id"`

	// StartupMessage is sent to LogChannelID on gateway connect, if both are set
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is set as the bot's status on connect
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// PanelConfig configures the Convoy panel REST API client.
//
//nolint:lll // can't break tags
type PanelConfig struct {
	// BaseURL is the panel API root, without the /api/application
	// or /api/client suffix (e.g. "https://panel.example.com")
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required"`

	// ApplicationKey is the bearer token for the privileged application API
	ApplicationKey string `yaml:"application_key" mapstructure:"application_key" json:"application_key" log:"[redacted]" binding:"required"`

	// ClientKey is the bearer token for the end-user-scoped client API
	ClientKey string `yaml:"client_key" mapstructure:"client_key" json:"client_key" log:"[redacted]" binding:"required"`

	// PanelURL is the user-facing panel URL used in links sent to users.
	// Defaults to BaseURL when empty.
	PanelURL string `yaml:"panel_url" mapstructure:"panel_url" json:"panel_url"`

	// RequestTimeout bounds each panel API request
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// MaxRequestsPerSecond rate-limits outbound panel API calls
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// LogLevel sets the log level for the panel API client
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// RewardConfig enables/disables plan categories and carries their tiers.
type RewardConfig struct {
	// BoostEnabled globally enables boost-reward plans
	BoostEnabled bool `yaml:"boost_enabled" mapstructure:"boost_enabled" json:"boost_enabled"`

	// InviteEnabled globally enables invite-reward plans
	InviteEnabled bool `yaml:"invite_enabled" mapstructure:"invite_enabled" json:"invite_enabled"`

	// BoostTiers are the configured boost-reward plans
	BoostTiers []BoostPlan `yaml:"boost_tiers" mapstructure:"boost_tiers" json:"boost_tiers"`

	// InviteTiers are the configured invite-reward plans
	InviteTiers []InvitePlan `yaml:"invite_tiers" mapstructure:"invite_tiers" json:"invite_tiers"`

	// PaidPlans are displayed by /plans and offered as a "contact support" path
	PaidPlans []PaidPlan `yaml:"paid_plans" mapstructure:"paid_plans" json:"paid_plans"`
}

// ProvisionConfig holds defaults applied when building server creation payloads.
//
//nolint:lll // can't break tags
type ProvisionConfig struct {
	// NodeID is the panel node servers are created on, unless a tier overrides it
	NodeID int `yaml:"node_id" mapstructure:"node_id" json:"node_id" binding:"required"`

	// TemplateUUID is the default OS template, unless a tier overrides it
	TemplateUUID string `yaml:"template_uuid" mapstructure:"template_uuid" json:"template_uuid" binding:"required"`

	// HostnameSuffix is appended to generated hostnames
	HostnameSuffix string `yaml:"hostname_suffix" mapstructure:"hostname_suffix" json:"hostname_suffix"`

	SnapshotLimit    int `yaml:"snapshot_limit" mapstructure:"snapshot_limit" json:"snapshot_limit"`
	BackupLimit      int `yaml:"backup_limit" mapstructure:"backup_limit" json:"backup_limit"`
	TotalBackupLimit int `yaml:"total_backup_limit" mapstructure:"total_backup_limit" json:"total_backup_limit"`
	AllocationLimit  int `yaml:"allocation_limit" mapstructure:"allocation_limit" json:"allocation_limit"`
}

// FileStoreConfig points at the flat-file stores. The file formats are fixed:
// the link and invite files are JSON objects, the IP pool is newline-delimited
// text where '#' lines and blank lines are preserved comments.
type FileStoreConfig struct {
	LinkedAccounts string `yaml:"linked_accounts" mapstructure:"linked_accounts" json:"linked_accounts"`
	InviteCounts   string `yaml:"invite_counts" mapstructure:"invite_counts" json:"invite_counts"`
	IPPool         string `yaml:"ip_pool" mapstructure:"ip_pool" json:"ip_pool"`
}

// WorkflowConfig bounds the interactive steps of the VPS request workflow.
//
//nolint:lll // can't break tags
type WorkflowConfig struct {
	// PlanSelectTimeout bounds how long a user has to pick a plan
	PlanSelectTimeout time.Duration `yaml:"plan_select_timeout" mapstructure:"plan_select_timeout" json:"plan_select_timeout" binding:"min=1s"`

	// ApprovalTimeout bounds how long admins have to approve/deny. On
	// expiry the request is denied by default and the IP returned.
	ApprovalTimeout time.Duration `yaml:"approval_timeout" mapstructure:"approval_timeout" json:"approval_timeout" binding:"min=1s"`

	// InviteCheckDelay is the grace period after a member join before
	// invite snapshots are compared (gives discord time to settle)
	InviteCheckDelay time.Duration `yaml:"invite_check_delay" mapstructure:"invite_check_delay" json:"invite_check_delay"`

	// InviteCacheInterval is how often per-guild invite snapshots are refreshed
	InviteCacheInterval time.Duration `yaml:"invite_cache_interval" mapstructure:"invite_cache_interval" json:"invite_cache_interval"`

	// TempPasswordLength is the length of generated temporary root passwords
	TempPasswordLength int `yaml:"temp_password_length" mapstructure:"temp_password_length" json:"temp_password_length"`
}

// APIConfig configures the status API server.
//
//nolint:lll // can't break tags
type APIConfig struct {
	// Enabled determines whether the status API server runs at all
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// CORS origins allowed to read the status endpoints
	CORSAllowOrigins []string `yaml:"cors_allow_origins" mapstructure:"cors_allow_origins" json:"cors_allow_origins"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true,min=1s"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	panelLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	panelLogLevel.Set(DefaultPanelLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		Panel: &PanelConfig{
			RequestTimeout:       DefaultPanelRequestTimeout,
			MaxRequestsPerSecond: DefaultPanelMaxRequestsPerSecond,
			LogLevel:             panelLogLevel,
		},
		Rewards: &RewardConfig{},
		Provision: &ProvisionConfig{
			HostnameSuffix:   DefaultServerHostnameSuffix,
			SnapshotLimit:    DefaultUserSnapshotLimit,
			BackupLimit:      DefaultUserBackupLimit,
			TotalBackupLimit: DefaultUserTotalBackupLimit,
			AllocationLimit:  DefaultUserAllocationLimit,
		},
		Files: &FileStoreConfig{
			LinkedAccounts: DefaultLinkedAccountsFile,
			InviteCounts:   DefaultInviteCountsFile,
			IPPool:         DefaultIPPoolFile,
		},
		Workflow: &WorkflowConfig{
			PlanSelectTimeout:   DefaultPlanSelectTimeout,
			ApprovalTimeout:     DefaultApprovalTimeout,
			InviteCheckDelay:    DefaultInviteCheckDelay,
			InviteCacheInterval: DefaultInviteCacheInterval,
			TempPasswordLength:  DefaultTempPasswordLength,
		},
		API: &APIConfig{
			Enabled:           false,
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
