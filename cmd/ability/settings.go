package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/urfave/cli/v3"
)

// Settings can come from ./ability-cli.yaml, ABILITY_* environment variables
// or flags, with flags taking precedence. The settings file location can be
// moved with ABILITY_SETTINGS_PATH.
const (
	envPrefix           = "ABILITY"
	settingsPathEnv     = "ABILITY_SETTINGS_PATH"
	settingsDefaultName = "ability-cli"

	keyPolicy    = "policy"
	keyData      = "data"
	keyStore     = "store"
	keyDSN       = "dsn"
	keyRedisAddr = "redis.addr"
	keyLogFormat = "log.format"
	keyLogLevel  = "log.level"
)

// flagKeys maps global flag names to settings keys.
var flagKeys = map[string]string{
	"policy":     keyPolicy,
	"data":       keyData,
	"store":      keyStore,
	"dsn":        keyDSN,
	"redis-addr": keyRedisAddr,
	"log":        keyLogFormat,
	"log-level":  keyLogLevel,
}

type settings struct {
	Policy    string
	Data      string
	Store     string
	DSN       string
	RedisAddr string
	LogFormat string
	LogLevel  string
}

func loadSettings(cmd *cli.Command) (settings, error) {
	v := viper.New()
	path, ok := os.LookupEnv(settingsPathEnv)
	if !ok {
		path = "."
	}
	v.AddConfigPath(path)
	v.SetConfigName(settingsDefaultName)
	v.SetConfigType("yaml")

	// keys such as 'redis.addr' become 'ABILITY_REDIS_ADDR'
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(keyStore, "memory")
	v.SetDefault(keyDSN, "file:ability.db?_pragma=busy_timeout(5000)")
	v.SetDefault(keyLogFormat, "phuslu")
	v.SetDefault(keyLogLevel, "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return settings{}, fmt.Errorf("read settings: %w", err)
		}
	}

	root := cmd.Root()
	for flag, key := range flagKeys {
		if root.IsSet(flag) {
			v.Set(key, root.String(flag))
		}
	}

	s := settings{
		Policy:    v.GetString(keyPolicy),
		Data:      v.GetString(keyData),
		Store:     strings.ToLower(v.GetString(keyStore)),
		DSN:       v.GetString(keyDSN),
		RedisAddr: v.GetString(keyRedisAddr),
		LogFormat: strings.ToLower(v.GetString(keyLogFormat)),
		LogLevel:  strings.ToLower(v.GetString(keyLogLevel)),
	}
	switch s.Store {
	case "memory", "sqlite":
	default:
		return settings{}, fmt.Errorf("unsupported store %q (memory or sqlite)", s.Store)
	}
	return s, nil
}
