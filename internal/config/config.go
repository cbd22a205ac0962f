// Package config loads server configuration from the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every knob the server reads at startup.
type Config struct {
	DBPath       string
	ListenAddr   string
	AdminAddr    string
	HistorySize  int
	ResumeSecret string
	CleanupDelay time.Duration
}

// Load reads a .env file if present, then environment variables, applying
// defaults where unset.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		DBPath:       getEnv("CHAT_DB_PATH", "chatserver.db"),
		ListenAddr:   getEnv("CHAT_LISTEN_ADDR", ":12345"),
		AdminAddr:    getEnv("CHAT_ADMIN_ADDR", ":8089"),
		HistorySize:  getEnvInt("CHAT_HISTORY_SIZE", 100),
		ResumeSecret: getEnv("CHAT_RESUME_SECRET", ""),
		CleanupDelay: getEnvDuration("CHAT_CLEANUP_DELAY", 100*time.Millisecond),
	}

	if cfg.HistorySize <= 0 {
		return nil, fmt.Errorf("CHAT_HISTORY_SIZE must be positive")
	}

	if cfg.ResumeSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("generating resume secret: %w", err)
		}
		cfg.ResumeSecret = secret
		log.Println("CHAT_RESUME_SECRET not set, generated an ephemeral per-process secret")
	}

	return cfg, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil && intValue > 0 {
			return intValue
		}
		log.Printf("Invalid value for %s, using default: %d", key, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
			return duration
		}
		log.Printf("Invalid value for %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}
