package users

import (
	"context"
	"strings"
	"sync"
	"time"
)

type InMemoryDirectory struct {
	mu      sync.RWMutex
	configs map[string]Config
	now     func() time.Time
}

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		configs: make(map[string]Config),
		now:     time.Now,
	}
}

func (d *InMemoryDirectory) Get(_ context.Context, userID string) (Config, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg, ok := d.configs[strings.TrimSpace(userID)]
	if !ok {
		return Config{}, ErrNotFound
	}
	return cloneConfig(cfg), nil
}

func (d *InMemoryDirectory) Upsert(_ context.Context, cfg Config) (Config, error) {
	cfg.UserID = strings.TrimSpace(cfg.UserID)
	cfg.CustomTerms = normalizeTerms(cfg.CustomTerms)
	now := d.now().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.configs[cfg.UserID]; ok {
		cfg.CreatedAt = existing.CreatedAt
		cfg.Disabled = existing.Disabled
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	d.configs[cfg.UserID] = cloneConfig(cfg)
	return cloneConfig(cfg), nil
}

func (d *InMemoryDirectory) SetDisabled(_ context.Context, userID string, disabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg, ok := d.configs[strings.TrimSpace(userID)]
	if !ok {
		return ErrNotFound
	}
	cfg.Disabled = disabled
	cfg.UpdatedAt = d.now().UTC()
	d.configs[cfg.UserID] = cfg
	return nil
}

func (d *InMemoryDirectory) Close() error {
	return nil
}
