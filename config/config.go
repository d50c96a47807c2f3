package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bridi/sealchat/globals"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultAdminUser     = "admin"
	defaultHistorySize   = 50
	defaultSendQueueSize = 256
	defaultSessionTTL    = 3 * 24 * time.Hour
	defaultSweepSpec     = "@every 5m"
	defaultRSABits       = 2048
)

// Config is the global configuration object which is filled via the configuration file.
type Config struct {
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	SessionConfig     SessionConfig     `mapstructure:"session"`
	CryptoConfig      CryptoConfig      `mapstructure:"crypto"`
	LimitsConfig      LimitsConfig      `mapstructure:"limits"`
	MailConfig        MailConfig        `mapstructure:"mail"`
	LogLevel          string            `mapstructure:"log_level"`
	AdminUser         string            `mapstructure:"admin_user"`
}

// HistoryConfig configures how many persisted messages are replayed to a client
// on room join / direct listing.
type HistoryConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// PersistenceConfig selects the persistence backend. Type is one of "sqlite",
// "postgres" (both via gorm) or "buntdb"; DSN is the backend-specific data
// source (file path for sqlite/buntdb).
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// SessionConfig configures the session store. Type is "memory" (default) or
// "buntdb"; DSN is the buntdb file path (":memory:" for a throwaway store).
type SessionConfig struct {
	Type      string        `mapstructure:"type"`
	DSN       string        `mapstructure:"dsn"`
	TTL       time.Duration `mapstructure:"ttl"`
	CacheSize int           `mapstructure:"cache_size"`
	SweepSpec string        `mapstructure:"sweep_spec"` // cron spec for the expired-session sweep
}

// CryptoConfig configures the key custodian.
type CryptoConfig struct {
	RSABits int `mapstructure:"rsa_bits"`
}

// LimitsConfig bounds per-connection resources.
type LimitsConfig struct {
	SendQueueSize  int   `mapstructure:"send_queue_size"`
	MaxMessageSize int64 `mapstructure:"max_message_size"`
}

// MailConfig configures the outbound mail boundary. With an empty endpoint,
// verification mails are only logged.
type MailConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	AuthKey  string `mapstructure:"auth_key"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("admin-user", "a", "", "username of the admin user")
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.Replace(name, "-", "_", -1))
}

// ReadConfiguration reads and parses the configuration located at configPath, which can
// either point to a single TOML file or to a directory, in which case all *.toml files
// in this directory are concatenated. It returns a Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("admin_user", defaultAdminUser)
	viper.SetDefault("history.history_size", defaultHistorySize)
	viper.SetDefault("session.type", "memory")
	viper.SetDefault("session.ttl", defaultSessionTTL)
	viper.SetDefault("session.cache_size", 1024)
	viper.SetDefault("session.sweep_spec", defaultSweepSpec)
	viper.SetDefault("crypto.rsa_bits", defaultRSABits)
	viper.SetDefault("limits.send_queue_size", defaultSendQueueSize)
	viper.SetDefault("limits.max_message_size", 4096)
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("SEALCHAT")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := ioutil.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config", "error", err)
	}

	return &cfg, nil
}
