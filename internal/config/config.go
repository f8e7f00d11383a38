package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/voicecast/voicecast/internal/relay"
	"github.com/voicecast/voicecast/internal/transport"
	pkgconfig "github.com/voicecast/voicecast/pkg/config"
	pkglog "github.com/voicecast/voicecast/pkg/log"
	"github.com/voicecast/voicecast/pkg/pubsub"
)

// Engine is the voicecast client configuration.
type Engine struct {
	Relay      transport.WSConfig `mapstructure:"relay"`
	ICEServers []string           `mapstructure:"ice_servers"`
	Microphone MicrophoneConfig   `mapstructure:"microphone"`
	Join       JoinConfig         `mapstructure:"join"`
	Log        pkglog.Config      `mapstructure:"log"`
}

// MicrophoneConfig selects the capture source.
type MicrophoneConfig struct {
	Driver     string `mapstructure:"driver"` // "rtp" or "static"
	ListenAddr string `mapstructure:"listen_addr"`
}

// JoinConfig is the listener's join timeout/retry policy.
type JoinConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Attempts int           `mapstructure:"attempts"`
}

// Relayd is the relay server configuration.
type Relayd struct {
	Server    ServerConfig  `mapstructure:"server"`
	WebSocket relay.Config  `mapstructure:"websocket"`
	Auth      AuthConfig    `mapstructure:"auth"`
	PubSub    pubsub.Config `mapstructure:"pubsub"`
	Kafka     KafkaConfig   `mapstructure:"kafka"`
	Log       pkglog.Config `mapstructure:"log"`
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AuthConfig holds token validation settings.
type AuthConfig struct {
	Secret        string        `mapstructure:"secret"`
	TokenDuration time.Duration `mapstructure:"token_duration"`
	Issuer        string        `mapstructure:"issuer"`
}

// KafkaConfig holds lifecycle event stream settings. Empty brokers
// disables the producer.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	Topic      string `mapstructure:"topic"`
	Partitions int    `mapstructure:"partitions"`
}

// LoadEngine reads the client configuration.
func LoadEngine() (*Engine, error) {
	v, err := pkgconfig.Load("./config", "voicecast")
	if err != nil {
		return nil, err
	}

	v.SetDefault("relay.url", "ws://localhost:8090/ws")
	v.SetDefault("relay.ping_interval", "30s")
	v.SetDefault("relay.pong_wait", "60s")
	v.SetDefault("relay.write_wait", "10s")
	v.SetDefault("relay.max_message_size", 65536)
	v.SetDefault("relay.reconnect_min", "1s")
	v.SetDefault("relay.reconnect_max", "30s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("microphone.driver", "static")
	v.SetDefault("microphone.listen_addr", "127.0.0.1:5004")
	v.SetDefault("join.timeout", "10s")
	v.SetDefault("join.attempts", 3)
	v.SetDefault("log.level", "info")

	v.BindEnv("relay.url", "RELAY_URL")
	v.BindEnv("relay.token", "RELAY_TOKEN")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Engine
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Relay.PingInterval = parseDuration(v, "relay.ping_interval", 30*time.Second)
	cfg.Relay.PongWait = parseDuration(v, "relay.pong_wait", 60*time.Second)
	cfg.Relay.WriteWait = parseDuration(v, "relay.write_wait", 10*time.Second)
	cfg.Relay.ReconnectMin = parseDuration(v, "relay.reconnect_min", time.Second)
	cfg.Relay.ReconnectMax = parseDuration(v, "relay.reconnect_max", 30*time.Second)
	cfg.Join.Timeout = parseDuration(v, "join.timeout", 10*time.Second)

	watchLogLevel(v)
	return &cfg, nil
}

// LoadRelayd reads the relay configuration.
func LoadRelayd() (*Relayd, error) {
	v, err := pkgconfig.Load("./config", "relayd")
	if err != nil {
		return nil, err
	}

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_duration", "24h")
	v.SetDefault("auth.issuer", "voicecast-relay")
	v.SetDefault("pubsub.driver", "memory")
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.password", "")
	v.SetDefault("pubsub.redis.db", 0)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "broadcast-events")
	v.SetDefault("kafka.partitions", 4)
	v.SetDefault("log.level", "info")

	v.BindEnv("server.port", "PORT")
	v.BindEnv("auth.secret", "RELAY_AUTH_SECRET")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.redis.address", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_BROADCAST_TOPIC")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Relayd
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Auth.TokenDuration = parseDuration(v, "auth.token_duration", 24*time.Hour)

	watchLogLevel(v)
	return &cfg, nil
}

// watchLogLevel applies log level changes from the config file without a
// restart. Other settings require one.
func watchLogLevel(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		level := v.GetString("log.level")
		pkglog.SetLevel(level)
		l := pkglog.L()
		l.Info().
			Str("file", e.Name).
			Str("level", level).
			Msg("config file changed")
	})
	v.WatchConfig()
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
