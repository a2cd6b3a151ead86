package middleware

import (
	"github.com/popkeyd/popkeyd/internal/config"
	"github.com/popkeyd/popkeyd/internal/database"
	"github.com/popkeyd/popkeyd/internal/logger"
)

// Middleware holds all HTTP middleware
type Middleware struct {
	rdb *database.Redis
	log *logger.Logger
	cfg *config.Config
}

// New creates a new Middleware instance
func New(rdb *database.Redis, log *logger.Logger, cfg *config.Config) *Middleware {
	return &Middleware{
		rdb: rdb,
		log: log,
		cfg: cfg,
	}
}
