// Package config содержит логику чтения конфигурации сервиса оптовых закупок.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса оптовых закупок.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	// AccessToken — токен доступа к удалённой оптовой системе.
	AccessToken string `env:"FDC_ACCESS_TOKEN"`
	// APIToken — токен, которым авторизуются входящие запросы к сервису.
	APIToken string `env:"API_TOKEN"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAccessToken := cfg.AccessToken
	envAPIToken := cfg.APIToken

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AccessToken, "t", "", "access token for the remote wholesale system")
	flag.StringVar(&cfg.APIToken, "k", "", "token required from incoming API requests")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAccessToken != "" {
		cfg.AccessToken = envAccessToken
	}
	if envAPIToken != "" {
		cfg.APIToken = envAPIToken
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
