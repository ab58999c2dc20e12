package bootstrap

import (
	"github.com/aetheriq/flowcore/common/config"
	"github.com/aetheriq/flowcore/common/db"
	"github.com/aetheriq/flowcore/common/logger"
)

// Option configures service setup
type Option func(*setupOptions)

type setupOptions struct {
	skipDB       bool
	skipRedis    bool
	customConfig *config.Config
	customLogger *logger.Logger
	dbInitHook   func(*db.DB) error
}

func defaultOptions() *setupOptions {
	return &setupOptions{}
}

// WithoutDB skips database initialization
// Useful for services that don't need persistence
func WithoutDB() Option {
	return func(o *setupOptions) {
		o.skipDB = true
	}
}

// WithoutRedis skips Redis initialization
func WithoutRedis() Option {
	return func(o *setupOptions) {
		o.skipRedis = true
	}
}

// WithCustomConfig uses a pre-loaded configuration
// Useful for testing
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *setupOptions) {
		o.customConfig = cfg
	}
}

// WithCustomLogger uses a pre-configured logger
// Useful for testing
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *setupOptions) {
		o.customLogger = log
	}
}

// WithDBInitHook runs a function against the database right after the
// connection is established, before any other component starts. Services
// use it to apply their schema.
func WithDBInitHook(hook func(*db.DB) error) Option {
	return func(o *setupOptions) {
		o.dbInitHook = hook
	}
}
