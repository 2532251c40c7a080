package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"bastion/pkg/metrics"
	"bastion/pkg/revocation"
	"bastion/pkg/stream"
)

// readRetryDelay paces the loop after a bus read failure.
var readRetryDelay = 500 * time.Millisecond

const (
	eventUserRevoked  = "user_revoked"
	eventTokenRevoked = "token_revoked"
)

type feedEvent struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	TokenID    string `json:"token_id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Runner pumps revocation events from the bus into the store. Events
// and Metrics are optional; the store is not.
type Runner struct {
	Consumer    Consumer
	Revocations *revocation.Store
	Events      *stream.Hub
	Metrics     *metrics.Registry
	Logger      *zap.Logger
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

// Run consumes until ctx is cancelled. Read failures back off and
// retry; malformed or unapplicable events are logged and skipped so one
// bad producer cannot stall the feed.
func (r *Runner) Run(ctx context.Context) {
	for {
		msg, err := r.Consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger().Warn("revocation feed read error", zap.Error(err))
			time.Sleep(readRetryDelay)
			continue
		}
		if err := r.apply(ctx, msg.Value); err != nil {
			r.logger().Warn("revocation feed apply error", zap.Error(err))
		}
	}
}

func (r *Runner) apply(ctx context.Context, raw []byte) error {
	var evt feedEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	switch evt.Type {
	case eventUserRevoked:
		userID := strings.TrimSpace(evt.UserID)
		if userID == "" {
			return fmt.Errorf("user_revoked event without user_id")
		}
		if err := r.Revocations.RevokeAllUserTokens(ctx, userID); err != nil {
			return fmt.Errorf("revoke user %s: %w", userID, err)
		}
		r.applied(stream.UserRevoked(userID, "feed"))
		r.logger().Info("user revoked via feed", zap.String("user_id", userID))
		return nil
	case eventTokenRevoked:
		tokenID := strings.TrimSpace(evt.TokenID)
		if tokenID == "" {
			return fmt.Errorf("token_revoked event without token_id")
		}
		ttl := time.Duration(evt.TTLSeconds) * time.Second
		if err := r.Revocations.RevokeToken(ctx, tokenID, ttl); err != nil {
			return fmt.Errorf("revoke token %s: %w", tokenID, err)
		}
		r.applied(stream.TokenRevoked(tokenID, "feed"))
		r.logger().Info("token revoked via feed", zap.String("token_id", tokenID))
		return nil
	default:
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
}

func (r *Runner) applied(evt stream.Event) {
	if r.Metrics != nil {
		r.Metrics.IncRevocationFeedEvent()
	}
	if r.Events != nil {
		r.Events.Publish(evt)
	}
}
