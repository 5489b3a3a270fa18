package config

import (
	"fmt"
	"os"
	"strconv"
)

// DB holds Postgres connection settings for the ledger and payout
// stores. A full DATABASE_URL wins over the individual DB_* variables.
type DB struct {
	URL          string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	PoolMaxConns int
}

// DBFromEnv reads connection settings from the environment.
func DBFromEnv() DB {
	return DB{
		URL:          os.Getenv("DATABASE_URL"),
		Host:         envOr("DB_HOST", "localhost"),
		Port:         envIntOr("DB_PORT", 5432),
		User:         envOr("DB_USER", "lastbid"),
		Password:     envOr("DB_PASSWORD", "lastbid"),
		Name:         envOr("DB_NAME", "lastbid"),
		SSLMode:      envOr("DB_SSLMODE", "disable"),
		PoolMaxConns: envIntOr("DB_POOL_MAX_CONNS", 10),
	}
}

// DSN returns the plain connection URL, used by the pq listener, which
// rejects pgxpool-only parameters.
func (d DB) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// PoolDSN returns the connection URL with pgxpool sizing applied.
func (d DB) PoolDSN() string {
	if d.URL != "" {
		return d.URL
	}
	return d.DSN() + fmt.Sprintf("&pool_max_conns=%d", d.PoolMaxConns)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
