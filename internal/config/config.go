// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Google Calendar
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Microsoft Graph
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenant       string

	// Credential encryption
	CredentialSecret string

	// Provider
	ProviderTimeout time.Duration

	// Booking
	BookingTokenTTL    time.Duration
	BookingPageURL     string
	TokenRetentionDays int

	// Messaging
	RabbitMQURL   string
	RabbitMQQueue string

	// Rate Limit
	RateLimitGeneral int
	RateLimitPublic  int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// GoogleEnabled はGoogleの認可情報が設定されているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != ""
}

// MicrosoftEnabled はMicrosoftの認可情報が設定されているかを返す。
func (c *Config) MicrosoftEnabled() bool {
	return c.MicrosoftClientID != ""
}

// LoadDotEnv はカレントディレクトリの.envを読み込む。ファイルがない場合は何もしない。
// 既に設定済みの環境変数は上書きしない。
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if _, err := os.Stat(name); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.CredentialSecret = os.Getenv("CREDENTIAL_SECRET")
	if cfg.CredentialSecret == "" {
		missing = append(missing, "CREDENTIAL_SECRET")
	}

	// プロバイダーはIDを設定した場合にのみ有効になり、3項目すべてを必須とする
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleEnabled() {
		missing = append(missing, requireAll(map[string]string{
			"GOOGLE_CLIENT_SECRET": cfg.GoogleClientSecret,
			"GOOGLE_REDIRECT_URL":  cfg.GoogleRedirectURL,
		})...)
	}

	cfg.MicrosoftClientID = os.Getenv("MICROSOFT_CLIENT_ID")
	cfg.MicrosoftClientSecret = os.Getenv("MICROSOFT_CLIENT_SECRET")
	cfg.MicrosoftRedirectURL = os.Getenv("MICROSOFT_REDIRECT_URL")
	if cfg.MicrosoftEnabled() {
		missing = append(missing, requireAll(map[string]string{
			"MICROSOFT_CLIENT_SECRET": cfg.MicrosoftClientSecret,
			"MICROSOFT_REDIRECT_URL":  cfg.MicrosoftRedirectURL,
		})...)
	}

	if !cfg.GoogleEnabled() && !cfg.MicrosoftEnabled() {
		missing = append(missing, "GOOGLE_CLIENT_ID or MICROSOFT_CLIENT_ID")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.MicrosoftTenant = getEnvString("MICROSOFT_TENANT", "common")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.BookingTokenTTL = getEnvDuration("BOOKING_TOKEN_TTL", 7*24*time.Hour)
	cfg.BookingPageURL = getEnvString("BOOKING_PAGE_URL", strings.TrimRight(cfg.BaseURL, "/")+"/book")
	cfg.TokenRetentionDays = getEnvInt("TOKEN_RETENTION_DAYS", 30)
	cfg.RabbitMQURL = getEnvString("RABBITMQ_URL", "")
	cfg.RabbitMQQueue = getEnvString("RABBITMQ_QUEUE", "booking_events")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitPublic = getEnvInt("RATE_LIMIT_PUBLIC", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// requireAll は値が空の環境変数名を名前順で返す。
func requireAll(vars map[string]string) []string {
	var missing []string
	for name, v := range vars {
		if v == "" {
			missing = append(missing, name)
		}
	}
	slices.Sort(missing)
	return missing
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
