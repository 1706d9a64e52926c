package storage

import "time"

// Option customises repository construction. Options targeting the other
// backend are silently ignored, so call sites can pass one option slice
// regardless of which store the deployment selects.
type Option interface {
	applyJSON(*JSONRepository)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	json     func(*JSONRepository)
	postgres func(*PostgresConfig)
}

func (o optionAdapter) applyJSON(repo *JSONRepository) {
	if o.json != nil {
		o.json(repo)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.postgres != nil {
		o.postgres(cfg)
	}
}

func postgresOnlyOption(fn func(*PostgresConfig)) Option {
	return optionAdapter{postgres: fn}
}

// WithPostgresPoolLimits caps the connection pool size.
func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.MaxConnections = maxConns
		cfg.MinConnections = minConns
	})
}

// WithPostgresPoolDurations tunes connection recycling and health checking.
func WithPostgresPoolDurations(maxLifetime, maxIdle, healthCheck time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.MaxConnLifetime = maxLifetime
		cfg.MaxConnIdleTime = maxIdle
		cfg.HealthCheckInterval = healthCheck
	})
}

// WithPostgresAcquireTimeout bounds how long establishing a connection may
// take before the dial is abandoned.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.AcquireTimeout = timeout
	})
}

// WithPostgresApplicationName overrides the application_name reported to the
// server, which is what shows up in pg_stat_activity.
func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.ApplicationName = name
	})
}
