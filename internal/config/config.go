// Package config loads the daemon's operational settings.
//
// The two parameters spec.md calls the core's CLI surface — TCP port and
// administrator password — are deliberately NOT part of this struct: they
// stay positional arguments parsed by cmd/imcsd, never overridable by an
// env file. Everything here is ambient: data directory, the optional
// rating cache, the optional transcript archive, MFA enforcement, and log
// verbosity.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds operational settings for imcsd.
type Config struct {
	DataDir string

	DBType           string // "sqlite" or "postgres"
	DBDSN            string // sqlite file path, or postgres DSN
	DBMaxConnections int
	DBMaxIdleConns   int

	RedisEnabled bool
	RedisAddr    string
	RedisDB      int

	MFAEnforce bool

	SpectateEnabled bool
	SpectateAddr    string

	TakeoverTimeoutMS int
	LogLevel          string
}

var defaultConfig = Config{
	DataDir:           "data",
	DBType:            "sqlite",
	DBDSN:             "data/private/archive.db",
	DBMaxConnections:  10,
	DBMaxIdleConns:    5,
	RedisEnabled:      false,
	RedisAddr:         "localhost:6379",
	RedisDB:           0,
	MFAEnforce:        false,
	SpectateEnabled:   false,
	SpectateAddr:      ":8686",
	TakeoverTimeoutMS: 2000,
	LogLevel:          "info",
}

// Load reads configuration from an environment file in godotenv's
// key=value format, then applies the teacher's own per-key validation and
// logging on top of the parsed map. Missing files are not an error: the
// daemon runs on defaults when no .env exists.
func Load(envFile string) (*Config, error) {
	cfg := defaultConfig

	if err := loadEnvFile(envFile, &cfg); err != nil {
		if os.IsNotExist(err) {
			log.Printf("config: %s not found, using defaults", envFile)
		} else {
			return nil, fmt.Errorf("config: loading %s: %w", envFile, err)
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile(filename string, cfg *Config) error {
	if _, err := os.Stat(filename); err != nil {
		return err
	}

	values, err := godotenv.Read(filename)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", filename, err)
	}

	for key, value := range values {
		if err := setValue(cfg, key, value); err != nil {
			log.Printf("config: %s in %s: %v", key, filename, err)
		}
	}
	return nil
}

func setValue(cfg *Config, key, value string) error {
	switch key {
	case "IMCSD_DATA_DIR":
		cfg.DataDir = value
	case "IMCSD_DB_TYPE":
		cfg.DBType = value
	case "IMCSD_DSN":
		cfg.DBDSN = value
	case "IMCSD_DB_MAX_CONNECTIONS":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.DBMaxConnections = n
	case "IMCSD_DB_MAX_IDLE_CONNS":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.DBMaxIdleConns = n
	case "IMCSD_REDIS_ENABLED":
		cfg.RedisEnabled = value == "true" || value == "1"
	case "IMCSD_REDIS_ADDR":
		cfg.RedisAddr = value
	case "IMCSD_REDIS_DB":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RedisDB = n
	case "IMCSD_MFA_ENFORCE":
		cfg.MFAEnforce = value == "true" || value == "1"
	case "IMCSD_SPECTATE_ENABLED":
		cfg.SpectateEnabled = value == "true" || value == "1"
	case "IMCSD_SPECTATE_ADDR":
		cfg.SpectateAddr = value
	case "IMCSD_TAKEOVER_TIMEOUT_MS":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.TakeoverTimeoutMS = n
	case "IMCSD_LOG_LEVEL":
		cfg.LogLevel = value
	default:
		log.Printf("config: unknown key %s", key)
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.DBType != "sqlite" && cfg.DBType != "postgres" {
		return fmt.Errorf("invalid IMCSD_DB_TYPE: must be sqlite or postgres")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("IMCSD_DATA_DIR cannot be empty")
	}
	if cfg.TakeoverTimeoutMS < 100 {
		return fmt.Errorf("IMCSD_TAKEOVER_TIMEOUT_MS must be at least 100")
	}
	return nil
}
