// Package config содержит логику чтения конфигурации движка начисления баллов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации движка начисления баллов.
type Config struct {
	RunAddress         string        `env:"RUN_ADDRESS"`
	DatabaseURI        string        `env:"DATABASE_URI"`
	NotifierAddress    string        `env:"NOTIFIER_ADDRESS"`
	ServiceTokenSecret string        `env:"SERVICE_TOKEN_SECRET"`
	SchedulerTick      time.Duration `env:"SCHEDULER_TICK"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifierAddress := cfg.NotifierAddress
	envServiceTokenSecret := cfg.ServiceTokenSecret
	envSchedulerTick := cfg.SchedulerTick

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotifierAddress, "n", "", "notification service address")
	flag.StringVar(&cfg.ServiceTokenSecret, "s", "", "secret for service token signing")
	flag.DurationVar(&cfg.SchedulerTick, "t", time.Hour, "scheduler tick interval")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifierAddress != "" {
		cfg.NotifierAddress = envNotifierAddress
	}
	if envServiceTokenSecret != "" {
		cfg.ServiceTokenSecret = envServiceTokenSecret
	}
	if envSchedulerTick != 0 {
		cfg.SchedulerTick = envSchedulerTick
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.SchedulerTick <= 0 {
		cfg.SchedulerTick = time.Hour
	}

	return cfg, nil
}
