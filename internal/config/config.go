package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Redis（空の場合はインメモリのレート制限ストアを使用する）
	RedisAddr string

	// Rate Limit
	RateLimitGeneral int           // API全般の上限（req/min/user）
	RateLimitRental  int           // レンタル系操作の上限（req/min/user）
	RateLimitWindow  time.Duration // レート制限ウィンドウ長
	AdminUserIDs     []string      // レート制限を免除する特権ユーザーID

	// Concurrency
	MaxConcurrentGlobal int           // サーバー全体の同時実行上限
	MaxConcurrentRental int           // レンタル系操作の同時実行上限
	QueueTimeout        time.Duration // 空き待ちのタイムアウト

	// Circuit Breaker
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerOpenTimeout      time.Duration
	BreakerFailureMaxAge    time.Duration

	// Rental Governor
	RentalMaxPendingGlobal int           // 全ユーザー合計の保留番号上限
	RentalPacingInterval   time.Duration // ユーザーごとのリクエスト最低間隔
	RentalWindow           time.Duration // 成功回数のローリングウィンドウ長
	RentalWindowMax        int           // ウィンドウ内の成功回数上限
	SessionSweepInterval   time.Duration // 期限切れ保留セッションのスイープ間隔

	// Reconciler
	AuditBatchSize     int
	AuditSafetyCeiling int
	AuditInterval      time.Duration

	// Cleanup
	CleanupRetentionDays int

	// Provider
	ProviderSMSBaseURL  string
	ProviderSMSAPIKey   string
	ProviderAPIInterval time.Duration // プロバイダAPI呼び出しの最低間隔

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
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

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitRental = getEnvInt("RATE_LIMIT_RENTAL", 30)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", time.Minute)
	cfg.AdminUserIDs = splitCommaList(getEnvString("ADMIN_USER_IDS", ""))
	cfg.MaxConcurrentGlobal = getEnvInt("MAX_CONCURRENT_GLOBAL", 100)
	cfg.MaxConcurrentRental = getEnvInt("MAX_CONCURRENT_RENTAL", 10)
	cfg.QueueTimeout = getEnvDuration("QUEUE_TIMEOUT", 5*time.Second)
	cfg.BreakerFailureThreshold = getEnvInt("BREAKER_FAILURE_THRESHOLD", 5)
	cfg.BreakerSuccessThreshold = getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2)
	cfg.BreakerOpenTimeout = getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second)
	cfg.BreakerFailureMaxAge = getEnvDuration("BREAKER_FAILURE_MAX_AGE", 60*time.Second)
	cfg.RentalMaxPendingGlobal = getEnvInt("RENTAL_MAX_PENDING_GLOBAL", 30)
	cfg.RentalPacingInterval = getEnvDuration("RENTAL_PACING_INTERVAL", 3*time.Second)
	cfg.RentalWindow = getEnvDuration("RENTAL_WINDOW", 6*time.Minute)
	cfg.SessionSweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute)
	cfg.RentalWindowMax = getEnvInt("RENTAL_WINDOW_MAX", 30)
	cfg.AuditBatchSize = getEnvInt("AUDIT_BATCH_SIZE", 500)
	cfg.AuditSafetyCeiling = getEnvInt("AUDIT_SAFETY_CEILING", 200000)
	cfg.AuditInterval = getEnvDuration("AUDIT_INTERVAL", 24*time.Hour)
	cfg.CleanupRetentionDays = getEnvInt("CLEANUP_RETENTION_DAYS", 180)
	cfg.ProviderSMSBaseURL = getEnvString("PROVIDER_SMS_BASE_URL", "https://api.smsrent.example.com")
	cfg.ProviderSMSAPIKey = getEnvString("PROVIDER_SMS_API_KEY", "")
	cfg.ProviderAPIInterval = getEnvDuration("PROVIDER_API_INTERVAL", time.Second)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

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

// splitCommaList はカンマ区切り文字列を空白除去しつつ分割する。
// 空文字列の場合はnilを返す。
func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
