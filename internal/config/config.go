// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Email provider
	EmailBaseURL     string
	EmailAuthToken   string
	EmailSender      string
	EmailSendTimeout time.Duration

	// Delivery worker
	DeliveryIdleSleep  time.Duration
	DeliveryErrorSleep time.Duration

	// Idempotency cleanup worker
	IdempotencyRetention time.Duration
	CleanupInterval      time.Duration

	// Rate Limit（req/min単位）
	RateLimitGeneral   int
	RateLimitSubscribe int

	// Server
	ServerPort string
	BaseURL    string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envファイルがあれば先に読み込む（未存在は無視する）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.EmailBaseURL = os.Getenv("EMAIL_BASE_URL")
	if cfg.EmailBaseURL == "" {
		missing = append(missing, "EMAIL_BASE_URL")
	}

	cfg.EmailAuthToken = os.Getenv("EMAIL_AUTH_TOKEN")
	if cfg.EmailAuthToken == "" {
		missing = append(missing, "EMAIL_AUTH_TOKEN")
	}

	cfg.EmailSender = os.Getenv("EMAIL_SENDER")
	if cfg.EmailSender == "" {
		missing = append(missing, "EMAIL_SENDER")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.EmailSendTimeout = getEnvDuration("EMAIL_SEND_TIMEOUT", 10*time.Second)
	cfg.DeliveryIdleSleep = getEnvDuration("DELIVERY_IDLE_SLEEP", 10*time.Second)
	cfg.DeliveryErrorSleep = getEnvDuration("DELIVERY_ERROR_SLEEP", 1*time.Second)
	cfg.IdempotencyRetention = getEnvDuration("IDEMPOTENCY_RETENTION", 5*24*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSubscribe = getEnvInt("RATE_LIMIT_SUBSCRIBE", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
