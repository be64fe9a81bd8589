package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/rnnodes/convoybot/convoybot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = convoybot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "convoybot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", convoybot.DefaultDatabase)
	viper.SetDefault(
		"database_slow_threshold",
		convoybot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		convoybot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", convoybot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", convoybot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", convoybot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.vps_creator_role_id", "")
	viper.SetDefault("discord.bot_owner_user_id", "")
	viper.SetDefault("discord.approval_channel_id", "")
	viper.SetDefault("discord.log_channel_id", "")
	viper.SetDefault(
		"discord.startup_message",
		convoybot.DefaultDiscordStartupMessage,
	)
	viper.SetDefault(
		"discord.custom_status",
		convoybot.DefaultDiscordCustomStatus,
	)
	viper.SetDefault(
		"discord.log_level",
		convoybot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		convoybot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		convoybot.DefaultDiscordGatewayIntent,
	)

	// Panel config
	viper.SetDefault("panel.base_url", "")
	viper.SetDefault("panel.application_key", "")
	viper.SetDefault("panel.client_key", "")
	viper.SetDefault("panel.panel_url", "")
	viper.SetDefault("panel.request_timeout", convoybot.DefaultPanelRequestTimeout)
	viper.SetDefault(
		"panel.max_requests_per_second",
		convoybot.DefaultPanelMaxRequestsPerSecond,
	)
	viper.SetDefault("panel.log_level", convoybot.DefaultPanelLogLevel.String())

	// Rewards
	viper.SetDefault("rewards.boost_enabled", true)
	viper.SetDefault("rewards.invite_enabled", true)

	// Provisioning defaults
	viper.SetDefault("provision.node_id", 0)
	viper.SetDefault("provision.template_uuid", "")
	viper.SetDefault(
		"provision.hostname_suffix",
		convoybot.DefaultServerHostnameSuffix,
	)
	viper.SetDefault("provision.snapshot_limit", convoybot.DefaultUserSnapshotLimit)
	viper.SetDefault("provision.backup_limit", convoybot.DefaultUserBackupLimit)
	viper.SetDefault(
		"provision.total_backup_limit",
		convoybot.DefaultUserTotalBackupLimit,
	)
	viper.SetDefault(
		"provision.allocation_limit",
		convoybot.DefaultUserAllocationLimit,
	)

	// Flat-file stores
	viper.SetDefault("files.linked_accounts", convoybot.DefaultLinkedAccountsFile)
	viper.SetDefault("files.invite_counts", convoybot.DefaultInviteCountsFile)
	viper.SetDefault("files.ip_pool", convoybot.DefaultIPPoolFile)

	// Workflow timeouts
	viper.SetDefault(
		"workflow.plan_select_timeout",
		convoybot.DefaultPlanSelectTimeout,
	)
	viper.SetDefault("workflow.approval_timeout", convoybot.DefaultApprovalTimeout)
	viper.SetDefault(
		"workflow.invite_check_delay",
		convoybot.DefaultInviteCheckDelay,
	)
	viper.SetDefault(
		"workflow.invite_cache_interval",
		convoybot.DefaultInviteCacheInterval,
	)
	viper.SetDefault(
		"workflow.temp_password_length",
		convoybot.DefaultTempPasswordLength,
	)

	// Status API
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", convoybot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", convoybot.DefaultAPILogLevel.String())
	viper.SetDefault("api.cors_allow_origins", []string{})
	viper.SetDefault("api.read_timeout", convoybot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		convoybot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", convoybot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", convoybot.DefaultIdleTimeout)

	envPrefix := os.Getenv(convoybot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = convoybot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.Set(
		"api.cors_allow_origins",
		viper.GetStringSlice("api.cors_allow_origins"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"panel.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
