package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"todo-timer/livequery"
	"todo-timer/storage"
	"todo-timer/timer"
)

func setupViper() error {
	viper.SetConfigName("todo-timer")
	viper.SetConfigType("yaml")

	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("error getting user home directory: %w", err)
		}
		if runtime.GOOS == "windows" {
			configHome = filepath.Join(homeDir, "AppData", "Roaming")
		} else {
			configHome = filepath.Join(homeDir, ".config")
		}
	}

	configDir := filepath.Join(configHome, "todo-timer")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	viper.SetConfigFile(filepath.Join(configDir, "todo-timer.yml"))

	viper.SetDefault("userName", "")
	viper.SetDefault("dbPath", filepath.Join(configDir, "todo-timer.db"))
	viper.SetDefault("redisAddr", "")
	viper.SetDefault("cacheTTL", "5m")
	viper.SetDefault("pageSize", 10)
	viper.SetDefault("showCompletedTasks", true)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
			return viper.SafeWriteConfig()
		}
		return err
	}
	return nil
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	if err := setupViper(); err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := storage.Open(viper.GetString("dbPath"), logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()

	var rc *redis.Client
	if addr := viper.GetString("redisAddr"); addr != "" {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			opts = &redis.Options{Addr: addr}
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}
	ttl := 5 * time.Minute
	if v := viper.GetString("cacheTTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			log.Fatalf("invalid cacheTTL: %v", err)
		}
		ttl = d
	}
	cached := storage.NewCache(store, rc, ttl)

	engine := livequery.NewEngine(logger)
	defer engine.Close()
	cached.SetNotifier(engine)

	coordinator := timer.New(cached, logger)

	cli := newCLI(cached, engine, coordinator, logger)
	if err := cli.Run(); err != nil {
		log.Fatalf("cli: %v", err)
	}
}
