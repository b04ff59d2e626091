// Package config содержит логику чтения конфигурации сервиса подарочных карт.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса подарочных карт.
type Config struct {
	RunAddress            string `env:"RUN_ADDRESS"`
	DatabaseURI           string `env:"DATABASE_URI"`
	PromoEvaluatorAddress string `env:"PROMO_EVALUATOR_ADDRESS"`
	AdminSecret           string `env:"ADMIN_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPromoAddress := cfg.PromoEvaluatorAddress
	envAdminSecret := cfg.AdminSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PromoEvaluatorAddress, "p", "", "promo evaluator address")
	flag.StringVar(&cfg.AdminSecret, "s", "", "admin panel secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPromoAddress != "" {
		cfg.PromoEvaluatorAddress = envPromoAddress
	}
	if envAdminSecret != "" {
		cfg.AdminSecret = envAdminSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
