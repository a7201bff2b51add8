// Package config loads the ConnectServer INI file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/mu-connect/connectserver/internal/util"
)

const (
	DefaultConfigFile      = "ConnectServer.ini"
	DefaultTCPPort         = 44405
	DefaultUDPPort         = 55557
	DefaultClientIdle      = 60
	DefaultServerListPath  = "ServerList.dat"
	DefaultMQTTPort        = 1883
	DefaultStatusInterval  = 30
	DefaultTopicPrefix     = "connectserver"
	DefaultAPIRateLimit    = 20
	EnvPrefix              = "CONNECTSERVER"
	ServerListSourceDat    = "dat"
	ServerListSourceSQLite = "sqlite"
)

// Config is the root configuration of the ConnectServer.
type Config struct {
	path string

	ConnectServer ConnectServerInfo `mapstructure:"connectserverinfo"`
	Log           util.LogConfig    `mapstructure:"log"`
	API           APIConfig         `mapstructure:"api"`
	MQTT          MQTTConfig        `mapstructure:"mqtt"`
}

// ConnectServerInfo is the [ConnectServerInfo] section.
type ConnectServerInfo struct {
	PortTCP         int `mapstructure:"connectserverporttcp"`
	PortUDP         int `mapstructure:"connectserverportudp"`
	MaxIPConnection int `mapstructure:"maxipconnection"`

	// ClientIdleTimeout is in seconds; 0 disables the idle sweep.
	ClientIdleTimeout int `mapstructure:"clientidletimeout"`

	CheckJoinServerState bool `mapstructure:"checkjoinserverstate"`
	ShowOfflineServers   bool `mapstructure:"showofflineservers"`

	ServerListSource string `mapstructure:"serverlistsource"`
	ServerListPath   string `mapstructure:"serverlistpath"`

	// UDPRateLimit is datagrams per second per source IP; 0 is unlimited.
	UDPRateLimit int `mapstructure:"udpratelimit"`
}

// APIConfig is the [Api] section. Port 0 disables the REST API.
type APIConfig struct {
	Port int `mapstructure:"port"`
	// RateLimit is requests per second per client IP; 0 is unlimited.
	RateLimit int `mapstructure:"ratelimit"`
}

// MQTTConfig is the [MQTT] section.
type MQTTConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Broker         string `mapstructure:"broker"`
	Port           int    `mapstructure:"port"`
	ClientID       string `mapstructure:"clientid"`
	TopicPrefix    string `mapstructure:"topicprefix"`
	StatusInterval int    `mapstructure:"statusinterval"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	logCfg := util.DefaultLogConfig()
	return &Config{
		path: DefaultConfigFile,
		ConnectServer: ConnectServerInfo{
			PortTCP:            DefaultTCPPort,
			PortUDP:            DefaultUDPPort,
			ClientIdleTimeout:  DefaultClientIdle,
			ShowOfflineServers: true,
			ServerListSource:   ServerListSourceDat,
			ServerListPath:     DefaultServerListPath,
		},
		Log: logCfg,
		API: APIConfig{
			RateLimit: DefaultAPIRateLimit,
		},
		MQTT: MQTTConfig{
			Port:           DefaultMQTTPort,
			ClientID:       "connectserver",
			TopicPrefix:    DefaultTopicPrefix,
			StatusInterval: DefaultStatusInterval,
		},
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	cs := cfg.ConnectServer
	v.SetDefault("connectserverinfo.connectserverporttcp", cs.PortTCP)
	v.SetDefault("connectserverinfo.connectserverportudp", cs.PortUDP)
	v.SetDefault("connectserverinfo.maxipconnection", cs.MaxIPConnection)
	v.SetDefault("connectserverinfo.clientidletimeout", cs.ClientIdleTimeout)
	v.SetDefault("connectserverinfo.checkjoinserverstate", cs.CheckJoinServerState)
	v.SetDefault("connectserverinfo.showofflineservers", cs.ShowOfflineServers)
	v.SetDefault("connectserverinfo.serverlistsource", cs.ServerListSource)
	v.SetDefault("connectserverinfo.serverlistpath", cs.ServerListPath)
	v.SetDefault("connectserverinfo.udpratelimit", cs.UDPRateLimit)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.directory", cfg.Log.Directory)
	v.SetDefault("log.maxbackups", cfg.Log.MaxBackups)
	v.SetDefault("log.console", cfg.Log.Console)

	v.SetDefault("api.port", cfg.API.Port)
	v.SetDefault("api.ratelimit", cfg.API.RateLimit)

	v.SetDefault("mqtt.enabled", cfg.MQTT.Enabled)
	v.SetDefault("mqtt.broker", cfg.MQTT.Broker)
	v.SetDefault("mqtt.port", cfg.MQTT.Port)
	v.SetDefault("mqtt.clientid", cfg.MQTT.ClientID)
	v.SetDefault("mqtt.topicprefix", cfg.MQTT.TopicPrefix)
	v.SetDefault("mqtt.statusinterval", cfg.MQTT.StatusInterval)
}

// Load reads the INI file at path. A missing or unreadable file is not
// fatal: the defaults are returned together with the read error so the
// caller can log it. Environment variables CONNECTSERVER_<SECTION>_<KEY>
// override file values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	var readErr error
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			readErr = fmt.Errorf("config file %s not found: %w", path, err)
		} else {
			readErr = fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		cfg = DefaultConfig()
		readErr = fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.path = path

	if readErr == nil {
		log.Info().Str("path", path).Msg("configuration loaded")
	}
	return cfg, readErr
}

// Path returns the file the configuration was read from.
func (c *Config) Path() string {
	return c.path
}

// IdleEnabled reports whether idle clients are disconnected.
func (c *Config) IdleEnabled() bool {
	return c.ConnectServer.ClientIdleTimeout > 0
}
