package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	OwnerID                  string
	ExplosionCacheTTLSeconds int
	StockLockTTLSeconds      int
	NotifyChannel            string
	AuthSecret               string
	AccessTokenTTLMinutes    int
	LogLevel                 string
}

func Load() Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DEFAULT_OWNER_ID", "main-kitchen")
	v.SetDefault("EXPLOSION_CACHE_TTL_SECONDS", 900)
	// Redis lease TTL; held leases are refreshed, so this only bounds a crashed holder.
	v.SetDefault("STOCK_LOCK_TTL_SECONDS", 15)
	v.SetDefault("NOTIFY_CHANNEL", "kitchen:notices")
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("LOG_LEVEL", "info")
	v.AutomaticEnv()

	cacheTTL := v.GetInt("EXPLOSION_CACHE_TTL_SECONDS")
	if cacheTTL < 1 {
		cacheTTL = 900
	}
	lockTTL := v.GetInt("STOCK_LOCK_TTL_SECONDS")
	if lockTTL < 1 {
		lockTTL = 15
	}
	tokenTTL := v.GetInt("ACCESS_TOKEN_TTL_MINUTES")
	if tokenTTL < 1 {
		tokenTTL = 480
	}

	return Config{
		Port:                     v.GetString("PORT"),
		AllowedOrigin:            v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:              strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisAddr:                strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:            v.GetString("REDIS_PASSWORD"),
		RedisDB:                  v.GetInt("REDIS_DB"),
		OwnerID:                  strings.TrimSpace(v.GetString("DEFAULT_OWNER_ID")),
		ExplosionCacheTTLSeconds: cacheTTL,
		StockLockTTLSeconds:      lockTTL,
		NotifyChannel:            v.GetString("NOTIFY_CHANNEL"),
		AuthSecret:               strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes:    tokenTTL,
		LogLevel:                 v.GetString("LOG_LEVEL"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
