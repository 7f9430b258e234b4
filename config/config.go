package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	API      APIConfig
	CORS     CORSConfig
	Log      LogConfig
	Chat     ChatConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type APIConfig struct {
	RateLimitMessagesPerSec int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level      string
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type ChatConfig struct {
	// MasterKey is the secret the key-wrapping key is derived from.
	MasterKey         string
	UploadDir         string
	UploadBaseURL     string
	MaxAttachments    int
	MaxAttachmentSize int64
	MaxGroupSize      int
	TypingTTL         time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		redisDB = 0
	}

	jwtExpiry, err := strconv.Atoi(getEnv("JWT_EXPIRY_HOURS", "168"))
	if err != nil {
		jwtExpiry = 168
	}

	rateLimit, err := strconv.Atoi(getEnv("RATE_LIMIT_MESSAGES_PER_SECOND", "10"))
	if err != nil {
		rateLimit = 10
	}

	origins := strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"), ",")

	logMaxSize, _ := strconv.Atoi(getEnv("LOG_MAX_SIZE_MB", "100"))
	logMaxBackups, _ := strconv.Atoi(getEnv("LOG_MAX_BACKUPS", "3"))
	logMaxAge, _ := strconv.Atoi(getEnv("LOG_MAX_AGE_DAYS", "7"))
	logCompress, _ := strconv.ParseBool(getEnv("LOG_COMPRESS", "true"))

	maxAttachments, _ := strconv.Atoi(getEnv("CHAT_MAX_ATTACHMENTS", "5"))
	maxAttachmentSize, _ := strconv.ParseInt(getEnv("CHAT_MAX_ATTACHMENT_SIZE", "5242880"), 10, 64)
	maxGroupSize, _ := strconv.Atoi(getEnv("CHAT_MAX_GROUP_SIZE", "10"))
	typingTTLSec, _ := strconv.Atoi(getEnv("CHAT_TYPING_TTL_SECONDS", "8"))

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "relaychat"),
			Password: getEnv("DB_PASSWORD", "relaychat_password"),
			DBName:   getEnv("DB_NAME", "relaychat_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-this-secret-key"),
			ExpiryHours: jwtExpiry,
		},
		API: APIConfig{
			RateLimitMessagesPerSec: rateLimit,
		},
		CORS: CORSConfig{
			AllowedOrigins: origins,
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Filename:   getEnv("LOG_FILENAME", "logs/app.log"),
			MaxSizeMB:  logMaxSize,
			MaxBackups: logMaxBackups,
			MaxAgeDays: logMaxAge,
			Compress:   logCompress,
		},
		Chat: ChatConfig{
			MasterKey:         getEnv("CHAT_MASTER_KEY", "dev-master-key-do-not-use-in-production"),
			UploadDir:         getEnv("CHAT_UPLOAD_DIR", "uploads"),
			UploadBaseURL:     getEnv("CHAT_UPLOAD_BASE_URL", "/uploads"),
			MaxAttachments:    maxAttachments,
			MaxAttachmentSize: maxAttachmentSize,
			MaxGroupSize:      maxGroupSize,
			TypingTTL:         time.Duration(typingTTLSec) * time.Second,
		},
	}

	// Validate required fields
	if cfg.Server.Env == "production" {
		if cfg.JWT.Secret == "change-this-secret-key" {
			return nil, fmt.Errorf("JWT_SECRET must be set in production")
		}
		if cfg.Chat.MasterKey == "dev-master-key-do-not-use-in-production" {
			return nil, fmt.Errorf("CHAT_MASTER_KEY must be set in production")
		}
	}

	return cfg, nil
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
