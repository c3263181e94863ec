package app

import (
	"context"

	"github.com/datallboy/gopodq/internal/domain"
	"github.com/datallboy/gopodq/internal/infra/config"
	"github.com/datallboy/gopodq/internal/infra/logger"
)

// History records finished transfer attempts. It is optional; a nil History
// simply means nothing is recorded.
type History interface {
	RecordAttempt(ctx context.Context, at *domain.Attempt) error
	RecentAttempts(ctx context.Context, limit int) ([]*domain.Attempt, error)
	AttemptsForURL(ctx context.Context, url string) ([]*domain.Attempt, error)
	Close() error
}

// Context hold the core environment and shared resources for gopodq.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	History History
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
	}
}

// Close releases shared resources.
func (c *Context) Close() error {
	if c.History != nil {
		return c.History.Close()
	}
	return nil
}
