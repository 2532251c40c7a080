package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TierConfig mints one fixed-window tier. Custom tiers beyond the built-in
// three are just more of these.
type TierConfig struct {
	Name    string
	Window  time.Duration
	Max     int
	Message string
}

// DefaultTiers returns the standard burst/sustained/daily stack,
// most-restrictive first so the cheapest check runs before the wider ones.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Name: "burst", Window: 10 * time.Second, Max: 10, Message: "Too many requests, please slow down"},
		{Name: "sustained", Window: time.Minute, Max: 60, Message: "Rate limit exceeded, please try again later"},
		{Name: "daily", Window: 24 * time.Hour, Max: 1000, Message: "Daily request limit reached"},
	}
}

type tier struct {
	name    string
	max     int
	message string
	limiter Limiter
}

// Tiered evaluates a stack of independently keyed windows in order.
type Tiered struct {
	tiers []tier
}

// Verdict reports the tier stack's answer for one request. On rejection it
// carries the rejecting tier; on admission, the last evaluated tier, whose
// decision feeds the response headers.
type Verdict struct {
	Allowed  bool
	Tier     string
	Message  string
	Decision Decision
}

// NewTiered builds the stack on a shared Redis client, one limiter per
// tier with its own key prefix so tiers never collide. A nil client yields
// in-process windows.
func NewTiered(client *redis.Client, configs ...TierConfig) *Tiered {
	t := &Tiered{}
	for _, cfg := range configs {
		rl := NewRedis(client, cfg.Window)
		rl.Prefix = "rl:" + cfg.Name + ":"
		t.tiers = append(t.tiers, tier{
			name:    cfg.Name,
			max:     cfg.Max,
			message: cfg.Message,
			limiter: rl,
		})
	}
	return t
}

// NewTieredInMemory builds the same stack on per-tier in-process windows.
func NewTieredInMemory(configs ...TierConfig) *Tiered {
	t := &Tiered{}
	for _, cfg := range configs {
		t.tiers = append(t.tiers, tier{
			name:    cfg.Name,
			max:     cfg.Max,
			message: cfg.Message,
			limiter: NewInMemory(cfg.Window),
		})
	}
	return t
}

// Check charges one request for identity against each tier in order,
// stopping at the first rejection. Tiers after the rejecting one are not
// charged, so a burst-rejected caller does not burn sustained or daily
// quota.
func (t *Tiered) Check(ctx context.Context, identity string) Verdict {
	if len(t.tiers) == 0 {
		return Verdict{Allowed: true}
	}
	var last Verdict
	for _, tr := range t.tiers {
		decision := tr.limiter.Allow(ctx, identity, tr.max)
		last = Verdict{
			Allowed:  decision.Allowed,
			Tier:     tr.name,
			Message:  tr.message,
			Decision: decision,
		}
		if !decision.Allowed {
			return last
		}
	}
	return last
}
