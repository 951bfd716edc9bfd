package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "fleettrack.cfg"

// EnvPrefix prefixes every environment override, e.g. FLEETTRACK_DB_HOST.
const EnvPrefix = "FLEETTRACK"

var validate = validator.New()

// Load sets defaults, loads a .env file if present and reads the config file
// from configDir. A missing config file is not an error; defaults and the
// environment still apply.
func Load(configDir string) error {
	setDefaults()

	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)

	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./fleetlogs")

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.readHeaderTimeout", "5s")
	viper.SetDefault("server.shutdownTimeout", "10s")
	viper.SetDefault("server.commandBuffer", 64)

	viper.SetDefault("db.driver", "postgres")
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "fleet")
	viper.SetDefault("db.sslMode", "disable")
	viper.SetDefault("db.sqlitePath", "")
	viper.SetDefault("db.notifyChannel", "vehicle_positions")
	viper.SetDefault("db.maxHistoryPoints", 5000)
	viper.SetDefault("db.retention", "720h")

	viper.SetDefault("feed.transport", "postgres")
	viper.SetDefault("feed.openTimeout", "10s")
	viper.SetDefault("feed.record", true)
	viper.SetDefault("feed.recordInterval", "2s")
	viper.SetDefault("feed.recordBuffer", 50000)
	viper.SetDefault("feed.websocket.url", "ws://localhost:4000/realtime/v1/websocket")
	viper.SetDefault("feed.websocket.secret", "")
	viper.SetDefault("feed.websocket.topic", "vehicle_positions")
	viper.SetDefault("feed.websocket.maxReconnect", 10)
	viper.SetDefault("feed.websocket.pongWait", "60s")
	viper.SetDefault("feed.redis.addr", "localhost:6379")
	viper.SetDefault("feed.redis.db", 0)
	viper.SetDefault("feed.redis.channel", "fleettrack:positions")
	viper.SetDefault("feed.mqtt.broker", "mqtt://localhost:1883")
	viper.SetDefault("feed.mqtt.topic", "fleet/+/position")
	viper.SetDefault("feed.mqtt.clientId", "")
	viper.SetDefault("feed.mqtt.username", "")
	viper.SetDefault("feed.mqtt.password", "")
	viper.SetDefault("feed.mqtt.qos", 1)

	viper.SetDefault("map.tileUrl", "https://tile.openstreetmap.org/{z}/{x}/{y}.png")
	viper.SetDefault("map.probeTimeout", "5s")
	viper.SetDefault("map.defaultLat", 35.90)
	viper.SetDefault("map.defaultLng", 14.40)
	viper.SetDefault("map.defaultZoom", 11)
	viper.SetDefault("map.focusZoom", 15)
	viper.SetDefault("map.maxZoom", 18)
	viper.SetDefault("map.fitPadding", 40)
	viper.SetDefault("map.animation", "2s")
	viper.SetDefault("map.queueCapacity", 512)
	viper.SetDefault("map.width", 1280)
	viper.SetDefault("map.height", 720)

	viper.SetDefault("tracking.historyWindow", "24h")
	viper.SetDefault("tracking.snapshotTimeout", "15s")
	viper.SetDefault("tracking.historyTimeout", "15s")
	viper.SetDefault("tracking.frameRate", 30)
	viper.SetDefault("tracking.surfaceRetryDelay", "30s")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "fleet-metrics")
	viper.SetDefault("influx.bucket", "vehicle_positions")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "fleettrack")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", false)
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"readHeaderTimeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdownTimeout" validate:"gt=0"`
	CommandBuffer     int           `mapstructure:"commandBuffer" validate:"gte=0"`
}

// StoreConfig holds fleet database settings.
type StoreConfig struct {
	Driver           string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	Host             string        `mapstructure:"host" validate:"required_if=Driver postgres"`
	Port             int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	Database         string        `mapstructure:"database" validate:"required_if=Driver postgres"`
	SSLMode          string        `mapstructure:"sslMode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	SQLitePath       string        `mapstructure:"sqlitePath"`
	NotifyChannel    string        `mapstructure:"notifyChannel" validate:"required"`
	MaxHistoryPoints int           `mapstructure:"maxHistoryPoints" validate:"gt=0"`
	Retention        time.Duration `mapstructure:"retention" validate:"gte=0"`
}

// WebsocketFeedConfig configures the websocket feed transport.
type WebsocketFeedConfig struct {
	URL          string        `mapstructure:"url" validate:"required,url"`
	Secret       string        `mapstructure:"secret"`
	Topic        string        `mapstructure:"topic" validate:"required"`
	MaxReconnect int           `mapstructure:"maxReconnect" validate:"gte=0"`
	PongWait     time.Duration `mapstructure:"pongWait" validate:"gte=0"`
}

// RedisFeedConfig configures the Redis feed transport.
type RedisFeedConfig struct {
	Addr    string `mapstructure:"addr" validate:"required,hostname_port"`
	DB      int    `mapstructure:"db" validate:"gte=0"`
	Channel string `mapstructure:"channel" validate:"required"`
}

// MQTTFeedConfig configures the MQTT feed transport.
type MQTTFeedConfig struct {
	Broker   string `mapstructure:"broker" validate:"required,url"`
	Topic    string `mapstructure:"topic" validate:"required"`
	ClientID string `mapstructure:"clientId"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      byte   `mapstructure:"qos" validate:"lte=2"`
}

// FeedConfig selects and configures the realtime transport.
type FeedConfig struct {
	Transport   string        `mapstructure:"transport" validate:"oneof=postgres websocket redis mqtt none"`
	OpenTimeout time.Duration `mapstructure:"openTimeout" validate:"gt=0"`
	// Record persists samples from non-database transports into the store.
	Record         bool                `mapstructure:"record"`
	RecordInterval time.Duration       `mapstructure:"recordInterval" validate:"gt=0"`
	RecordBuffer   int                 `mapstructure:"recordBuffer" validate:"gt=0"`
	Websocket      WebsocketFeedConfig `mapstructure:"websocket"`
	Redis          RedisFeedConfig     `mapstructure:"redis"`
	MQTT           MQTTFeedConfig      `mapstructure:"mqtt"`
}

// MapConfig holds map surface and tile settings.
type MapConfig struct {
	TileURL       string        `mapstructure:"tileUrl"`
	ProbeTimeout  time.Duration `mapstructure:"probeTimeout" validate:"gt=0"`
	DefaultLat    float64       `mapstructure:"defaultLat" validate:"gte=-90,lte=90"`
	DefaultLng    float64       `mapstructure:"defaultLng" validate:"gte=-180,lte=180"`
	DefaultZoom   int           `mapstructure:"defaultZoom" validate:"gte=0,lte=22"`
	FocusZoom     int           `mapstructure:"focusZoom" validate:"gte=0,lte=22"`
	MaxZoom       int           `mapstructure:"maxZoom" validate:"gte=0,lte=22"`
	FitPadding    int           `mapstructure:"fitPadding" validate:"gte=0"`
	Animation     time.Duration `mapstructure:"animation" validate:"gte=0,lte=10s"`
	QueueCapacity int           `mapstructure:"queueCapacity" validate:"gt=0"`
	Width         int           `mapstructure:"width" validate:"gt=0"`
	Height        int           `mapstructure:"height" validate:"gt=0"`
}

// TrackingConfig holds controller settings.
type TrackingConfig struct {
	HistoryWindow     time.Duration `mapstructure:"historyWindow" validate:"gt=0"`
	SnapshotTimeout   time.Duration `mapstructure:"snapshotTimeout" validate:"gt=0"`
	HistoryTimeout    time.Duration `mapstructure:"historyTimeout" validate:"gt=0"`
	FrameRate         int           `mapstructure:"frameRate" validate:"gte=1,lte=120"`
	SurfaceRetryDelay time.Duration `mapstructure:"surfaceRetryDelay" validate:"gte=0"`
}

// InfluxConfig holds the sample sink settings.
type InfluxConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host" validate:"required_if=Enabled true"`
	Port     string `mapstructure:"port"`
	Protocol string `mapstructure:"protocol" validate:"oneof=http https"`
	Token    string `mapstructure:"token"`
	Org      string `mapstructure:"org" validate:"required_if=Enabled true"`
	Bucket   string `mapstructure:"bucket" validate:"required_if=Enabled true"`
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ServiceName  string        `mapstructure:"serviceName" validate:"required"`
	BatchTimeout time.Duration `mapstructure:"batchTimeout" validate:"gt=0"`
	Endpoint     string        `mapstructure:"endpoint"`
	Insecure     bool          `mapstructure:"insecure"`
}

// decode reads every leaf under key through viper.Get so environment
// overrides apply to nested values too.
func decode(key string, out any) error {
	sub := viper.New()
	prefix := strings.ToLower(key) + "."
	for _, k := range viper.AllKeys() {
		if strings.HasPrefix(k, prefix) {
			sub.Set(strings.TrimPrefix(k, prefix), viper.Get(k))
		}
	}
	if err := sub.Unmarshal(out); err != nil {
		return fmt.Errorf("decode %s config: %w", key, err)
	}
	return nil
}

func section[T any](key string) (T, error) {
	var out T
	if err := decode(key, &out); err != nil {
		return out, err
	}
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("invalid %s config: %w", key, err)
	}
	return out, nil
}

// GetServerConfig returns the validated server section.
func GetServerConfig() (ServerConfig, error) { return section[ServerConfig]("server") }

// GetStoreConfig returns the validated db section.
func GetStoreConfig() (StoreConfig, error) { return section[StoreConfig]("db") }

// GetFeedConfig returns the validated feed section. Only the selected
// transport's subsection has to be valid.
func GetFeedConfig() (FeedConfig, error) {
	var out FeedConfig
	if err := decode("feed", &out); err != nil {
		return out, err
	}
	if err := validate.StructExcept(out, "Websocket", "Redis", "MQTT"); err != nil {
		return out, fmt.Errorf("invalid feed config: %w", err)
	}
	var sub any
	switch out.Transport {
	case "websocket":
		sub = out.Websocket
	case "redis":
		sub = out.Redis
	case "mqtt":
		sub = out.MQTT
	}
	if sub != nil {
		if err := validate.Struct(sub); err != nil {
			return out, fmt.Errorf("invalid feed.%s config: %w", out.Transport, err)
		}
	}
	return out, nil
}

// GetMapConfig returns the validated map section.
func GetMapConfig() (MapConfig, error) { return section[MapConfig]("map") }

// GetTrackingConfig returns the validated tracking section.
func GetTrackingConfig() (TrackingConfig, error) { return section[TrackingConfig]("tracking") }

// GetInfluxConfig returns the validated influx section.
func GetInfluxConfig() (InfluxConfig, error) { return section[InfluxConfig]("influx") }

// GetOTelConfig returns the validated otel section.
func GetOTelConfig() (OTelConfig, error) { return section[OTelConfig]("otel") }
