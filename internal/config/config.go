package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration struct
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Room      RoomConfig      `mapstructure:"room"`
	Transport TransportConfig `mapstructure:"transport"`
	Session   SessionConfig   `mapstructure:"session"`
	REST      RESTConfig      `mapstructure:"rest"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
}

// NodeConfig holds per-node configuration
type NodeConfig struct {
	DataDir    string `mapstructure:"dataDir"`
	UserID     string `mapstructure:"userID"` // overrides the persisted user id
	TrashLimit int    `mapstructure:"trashLimit"`
}

// RoomConfig selects the room joined at startup. An empty name starts the
// node without opening a room.
type RoomConfig struct {
	Name     string `mapstructure:"name"`
	ID       string `mapstructure:"id"`
	Password string `mapstructure:"password"`
}

// TransportConfig selects and tunes the mesh transport
type TransportConfig struct {
	Kind           string   `mapstructure:"kind"` // "libp2p" or "memory"
	ListenAddrs    []string `mapstructure:"listenAddrs"`
	BootstrapPeers []string `mapstructure:"bootstrapPeers"`
	MDNS           bool     `mapstructure:"mdns"`
	DHT            bool     `mapstructure:"dht"`
}

// SessionConfig holds network session settings
type SessionConfig struct {
	OpenTimeout   time.Duration `mapstructure:"openTimeout"`
	SendTimeout   time.Duration `mapstructure:"sendTimeout"`
	RetryAttempts uint          `mapstructure:"retryAttempts"`
	RetryDelay    time.Duration `mapstructure:"retryDelay"`
	DedupeWindow  int           `mapstructure:"dedupeWindow"`
}

// RESTConfig holds the control API settings
type RESTConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ScheduleConfig holds scheduler interval settings
type ScheduleConfig struct {
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	DHTRefresh  time.Duration `mapstructure:"dhtRefresh"`
	AutoSave    time.Duration `mapstructure:"autoSave"` // 0 disables
	StatusPrint time.Duration `mapstructure:"statusPrint"`
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("node.dataDir", "./data")
	v.SetDefault("node.userID", "")
	v.SetDefault("node.trashLimit", 32)
	v.SetDefault("room.name", "")
	v.SetDefault("room.id", "")
	v.SetDefault("room.password", "")
	v.SetDefault("transport.kind", "libp2p")
	v.SetDefault("transport.listenAddrs", []string{"/ip4/0.0.0.0/tcp/0"})
	v.SetDefault("transport.bootstrapPeers", []string{})
	v.SetDefault("transport.mdns", true)
	v.SetDefault("transport.dht", true)
	v.SetDefault("session.openTimeout", 3*time.Second)
	v.SetDefault("session.sendTimeout", 5*time.Second)
	v.SetDefault("session.retryAttempts", 3)
	v.SetDefault("session.retryDelay", 1*time.Second)
	v.SetDefault("session.dedupeWindow", 4096)
	v.SetDefault("rest.enabled", true)
	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("schedule.heartbeat", 15*time.Second)
	v.SetDefault("schedule.dhtRefresh", 60*time.Second)
	v.SetDefault("schedule.autoSave", 0)
	v.SetDefault("schedule.statusPrint", 60*time.Second)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MESHTABLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
