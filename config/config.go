// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// BridgeConfig is the full configuration of the voicebridge service.
type BridgeConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	ARI      ARIConfig      `mapstructure:"ari" validate:"required"`
	RTP      RTPConfig      `mapstructure:"rtp" validate:"required"`
	Realtime RealtimeConfig `mapstructure:"realtime" validate:"required"`
	Postgres PostgresConfig `mapstructure:"postgres"`

	// Timeouts bounding blocking steps of call setup.
	ChannelSetupTimeout time.Duration `mapstructure:"channel_setup_timeout" validate:"required"`
	OperationTimeout    time.Duration `mapstructure:"operation_timeout" validate:"required"`
}

// ARIConfig holds the Asterisk REST Interface connection settings.
type ARIConfig struct {
	URL          string `mapstructure:"url" validate:"required"`
	WebsocketURL string `mapstructure:"websocket_url" validate:"required"`
	Username     string `mapstructure:"username" validate:"required"`
	Password     string `mapstructure:"password" validate:"required"`
	Application  string `mapstructure:"application" validate:"required"`

	// Circuit breaker guarding the control connection.
	BreakerThreshold int           `mapstructure:"breaker_threshold" validate:"required"`
	BreakerWindow    time.Duration `mapstructure:"breaker_window" validate:"required"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown" validate:"required"`
}

// RTPConfig holds the media relay settings.
type RTPConfig struct {
	// Host is the address advertised to Asterisk for external media.
	Host           string `mapstructure:"host" validate:"required"`
	PortRangeStart int    `mapstructure:"port_range_start" validate:"required"`
	PortRangeEnd   int    `mapstructure:"port_range_end" validate:"required"`
}

// RealtimeConfig holds the speech-AI endpoint settings.
type RealtimeConfig struct {
	URL    string `mapstructure:"url" validate:"required"`
	APIKey string `mapstructure:"api_key" validate:"required"`
	Model  string `mapstructure:"model" validate:"required"`
	Voice  string `mapstructure:"voice"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"required"`

	// Commit heuristic: buffered audio is committed after CommitInterval with
	// no new caller audio, provided at least MinCommitAudio is buffered.
	CommitInterval time.Duration `mapstructure:"commit_interval" validate:"required"`
	MinCommitAudio time.Duration `mapstructure:"min_commit_audio" validate:"required"`

	// Reconnection: delay = min(max, base * 2^attempt) * (1 ± jitter).
	ReconnectBase        time.Duration `mapstructure:"reconnect_base" validate:"required"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max" validate:"required"`
	ReconnectJitter      float64       `mapstructure:"reconnect_jitter"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" validate:"required"`

	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" validate:"required"`
	StallTimeout        time.Duration `mapstructure:"stall_timeout" validate:"required"`

	// PendingQueueLimit bounds the per-call pre-ready audio queue. The oldest
	// chunk is dropped when the limit is reached.
	PendingQueueLimit int `mapstructure:"pending_queue_limit" validate:"required"`
}

// PostgresConfig holds the record-store connection settings. Optional: when
// Host is empty the service runs with the in-memory record store.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DBName   string `mapstructure:"db_name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env varaibles.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	v.SetDefault("SERVICE_NAME", "voicebridge")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9090)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("CHANNEL_SETUP_TIMEOUT", "10s")
	v.SetDefault("OPERATION_TIMEOUT", "5s")

	v.SetDefault("ARI__URL", "http://localhost:8088/ari")
	v.SetDefault("ARI__WEBSOCKET_URL", "ws://localhost:8088/ari/events")
	v.SetDefault("ARI__USERNAME", "")
	v.SetDefault("ARI__PASSWORD", "")
	v.SetDefault("ARI__APPLICATION", "voicebridge")
	v.SetDefault("ARI__BREAKER_THRESHOLD", 5)
	v.SetDefault("ARI__BREAKER_WINDOW", "30s")
	v.SetDefault("ARI__BREAKER_COOLDOWN", "15s")

	v.SetDefault("RTP__HOST", "127.0.0.1")
	v.SetDefault("RTP__PORT_RANGE_START", 10000)
	v.SetDefault("RTP__PORT_RANGE_END", 10200)

	v.SetDefault("REALTIME__URL", "wss://api.openai.com/v1/realtime")
	v.SetDefault("REALTIME__API_KEY", "")
	v.SetDefault("REALTIME__MODEL", "gpt-4o-realtime-preview")
	v.SetDefault("REALTIME__VOICE", "alloy")
	v.SetDefault("REALTIME__CONNECT_TIMEOUT", "10s")
	v.SetDefault("REALTIME__COMMIT_INTERVAL", "600ms")
	v.SetDefault("REALTIME__MIN_COMMIT_AUDIO", "100ms")
	v.SetDefault("REALTIME__RECONNECT_BASE", "1s")
	v.SetDefault("REALTIME__RECONNECT_MAX", "30s")
	v.SetDefault("REALTIME__RECONNECT_JITTER", 0.5)
	v.SetDefault("REALTIME__MAX_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("REALTIME__HEALTH_CHECK_INTERVAL", "30s")
	v.SetDefault("REALTIME__STALL_TIMEOUT", "90s")
	v.SetDefault("REALTIME__PENDING_QUEUE_LIMIT", 256)

	v.SetDefault("POSTGRES__HOST", "")
	v.SetDefault("POSTGRES__PORT", 5432)
	v.SetDefault("POSTGRES__SSL_MODE", "disable")
}

// Getting application config from viper
func GetBridgeConfig(v *viper.Viper) (*BridgeConfig, error) {
	var config BridgeConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	// valdating the app config
	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
