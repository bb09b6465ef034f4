// Package batching groups streaming transcript fragments into per-user
// sessions and delivers one digest per session once it is complete.
package batching

import (
	"strings"
	"time"
)

// Trigger names what caused a flush.
type Trigger string

const (
	TriggerKeyword  Trigger = "keyword"
	TriggerSizeCap  Trigger = "size_cap"
	TriggerRollover Trigger = "rollover"
	TriggerIdle     Trigger = "idle"
	TriggerManual   Trigger = "manual"
)

// Config holds every tunable of the batching core. Zero or negative numbers
// and durations are replaced by the defaults from DefaultConfig, so the
// smallest effective MinWords is 1. The switches EnrichEnabled and RedactPII
// and the StartKeyword are taken as given; a nil StoreKeywords gets the
// default list while an empty one disables store keywords.
type Config struct {
	IdleWindow     time.Duration
	FlushTimeout   time.Duration
	MaxFragments   int
	LookbackWindow time.Duration
	LookbackCount  int
	FallbackCount  int
	StoreKeywords  []string
	StartKeyword   string
	EnrichEnabled  bool
	MinWords       int
	Retention      time.Duration
	RedactPII      bool

	EnrichTimeout    time.Duration
	DeliveryTimeout  time.Duration
	SweepBatchSize   int
	SweepConcurrency int

	// MaxAttempts bounds local retries after a lost conditional write.
	MaxAttempts int
	RetryBase   time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdleWindow:       60 * time.Minute,
		FlushTimeout:     30 * time.Second,
		MaxFragments:     200,
		LookbackWindow:   15 * time.Minute,
		LookbackCount:    100,
		FallbackCount:    10,
		StoreKeywords:    []string{"store memory", "save this", "remember this"},
		StartKeyword:     "start memory",
		EnrichEnabled:    true,
		MinWords:         20,
		Retention:        24 * time.Hour,
		EnrichTimeout:    20 * time.Second,
		DeliveryTimeout:  10 * time.Second,
		SweepBatchSize:   500,
		SweepConcurrency: 4,
		MaxAttempts:      3,
		RetryBase:        25 * time.Millisecond,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.IdleWindow <= 0 {
		c.IdleWindow = d.IdleWindow
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	if c.MaxFragments <= 0 {
		c.MaxFragments = d.MaxFragments
	}
	if c.LookbackWindow <= 0 {
		c.LookbackWindow = d.LookbackWindow
	}
	if c.LookbackCount <= 0 {
		c.LookbackCount = d.LookbackCount
	}
	if c.FallbackCount <= 0 {
		c.FallbackCount = d.FallbackCount
	}
	if c.StoreKeywords == nil {
		c.StoreKeywords = d.StoreKeywords
	}
	c.StartKeyword = strings.TrimSpace(c.StartKeyword)
	if c.MinWords <= 0 {
		c.MinWords = d.MinWords
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.EnrichTimeout <= 0 {
		c.EnrichTimeout = d.EnrichTimeout
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = d.SweepConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	return c
}

// leaseDuration covers one full flush: enrichment, delivery and the commit.
func (c Config) leaseDuration() time.Duration {
	return c.EnrichTimeout + c.DeliveryTimeout + 30*time.Second
}
