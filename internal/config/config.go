package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all settings for the credit ledger service, loaded from
// environment variables with an optional .env file.
type Config struct {
	ServerPort   string `mapstructure:"SERVER_PORT"`
	Environment  string `mapstructure:"ENVIRONMENT"`
	DBDriver     string `mapstructure:"DB_DRIVER"`
	DBSource     string `mapstructure:"DB_SOURCE"`
	UploadDir    string `mapstructure:"UPLOAD_DIR"`
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string `mapstructure:"KAFKA_TOPIC"`
}

// Load reads configuration from path/.env (if present) and the process
// environment. DB_SOURCE is required for every driver except memory.
func Load(path string) (Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("DB_DRIVER", "postgres")
	viper.SetDefault("DB_SOURCE", "")
	viper.SetDefault("UPLOAD_DIR", "uploads")
	viper.SetDefault("KAFKA_BROKERS", "")
	viper.SetDefault("KAFKA_TOPIC", "credit-ledger-events")

	for _, key := range []string{
		"SERVER_PORT", "ENVIRONMENT", "DB_DRIVER", "DB_SOURCE",
		"UPLOAD_DIR", "KAFKA_BROKERS", "KAFKA_TOPIC",
	} {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	switch cfg.DBDriver {
	case "postgres", "sqlite", "memory":
	default:
		return Config{}, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.DBDriver != "memory" && cfg.DBSource == "" {
		return Config{}, fmt.Errorf("DB_SOURCE is required for driver %q", cfg.DBDriver)
	}
	return cfg, nil
}

// Brokers splits the comma-separated KAFKA_BROKERS list. Empty when no
// broker is configured.
func (c Config) Brokers() []string {
	if strings.TrimSpace(c.KafkaBrokers) == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}
