package controller

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("controller: invalid config")

// Config defines the command processor for one robot.
type Config struct {
	// ID labels logs, metrics and the status endpoint.
	ID string
	// BackendTimeout bounds every backend call; 0 disables the bound.
	BackendTimeout time.Duration
	// QueueDepth is how many decoded-but-unprocessed frames may wait across
	// all channels.
	QueueDepth   int
	HistoryLimit int
}

func DefaultConfig() Config {
	return Config{
		ID:             "robot",
		BackendTimeout: 5 * time.Second,
		QueueDepth:     16,
		HistoryLimit:   64,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ID) == "" {
		c.ID = def.ID
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	return c
}

func (c Config) Validate() error {
	if c.BackendTimeout < 0 {
		return fmt.Errorf("%w: backend_timeout must be >= 0", ErrInvalidConfig)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("%w: history_limit must be >= 0", ErrInvalidConfig)
	}
	return nil
}
