// Package dispatch runs every inbound request through the gateway's
// security pipeline: token verification, revocation, access control,
// rate limiting, then the downstream call behind the server's breaker.
// The stages are strictly ordered; a denial at one stage never touches
// the stages after it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"bastion/pkg/access"
	"bastion/pkg/audit"
	"bastion/pkg/breaker"
	"bastion/pkg/metrics"
	"bastion/pkg/ratelimit"
	"bastion/pkg/revocation"
	"bastion/pkg/stream"
	"bastion/pkg/token"
)

// InvokeFunc performs the downstream call once the pipeline admits a
// request. Exactly one attempt per call; the breaker owns the outcome.
type InvokeFunc func(ctx context.Context, server access.ServerDescriptor, payload json.RawMessage, headers map[string]string) (json.RawMessage, error)

// Trail is the slice of the audit writer the dispatcher needs.
type Trail interface {
	Append(ctx context.Context, rec audit.Record) error
}

type Request struct {
	Server  string
	Token   string
	Payload json.RawMessage
	Headers map[string]string
}

// Result carries the downstream payload unmodified plus the admitting
// rate-limit verdict for response headers (nil when limiting is off).
type Result struct {
	Payload json.RawMessage
	Claims  token.Claims
	Verdict *ratelimit.Verdict
}

// Dispatcher wires the pipeline. Audit, Events, Logger, and Metrics are
// optional; Limits may be nil to disable rate limiting.
type Dispatcher struct {
	Tokens      *token.Service
	Revocations *revocation.Store
	Servers     []access.ServerDescriptor
	Breakers    *breaker.Registry
	Limits      *ratelimit.Tiered
	Invoke      InvokeFunc
	Audit       Trail
	Events      *stream.Hub
	Logger      *zap.Logger
	Metrics     *metrics.Registry
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	verifyStart := time.Now()
	claims, err := d.Tokens.Verify(req.Token)
	if d.Metrics != nil {
		d.Metrics.ObserveTokenVerifyLatency(time.Since(verifyStart))
	}
	if err != nil {
		derr := &AuthenticationError{Err: err}
		d.observe(ctx, observation{Server: req.Server, Err: derr, Reason: reasonForTokenError(err)})
		return Result{}, derr
	}

	tokenID := token.TokenID(req.Token)
	if !d.Revocations.IsValid(ctx, tokenID, claims.UserID, claims.IssuedAt) {
		derr := &RevocationError{UserID: claims.UserID}
		d.observe(ctx, observation{Server: req.Server, UserID: claims.UserID, Err: derr})
		return Result{}, derr
	}

	server, known := access.Find(req.Server, d.Servers)
	if !known || !access.HasAccess(claims.Roles, server) {
		derr := &AuthorizationError{Server: req.Server}
		d.observe(ctx, observation{Server: req.Server, UserID: claims.UserID, Err: derr})
		return Result{}, derr
	}

	var verdict *ratelimit.Verdict
	if d.Limits != nil {
		v := d.Limits.Check(ctx, limitKey(claims.UserID))
		verdict = &v
		if !v.Allowed {
			derr := &RateLimitError{
				Tier:       v.Tier,
				Message:    v.Message,
				RetryAfter: v.Decision.RetryAfterSeconds(time.Now().UTC()),
				Limit:      v.Decision.Limit,
				Remaining:  v.Decision.Remaining,
			}
			d.observe(ctx, observation{Server: server.Name, UserID: claims.UserID, Err: derr, Tier: v.Tier})
			return Result{}, derr
		}
	}

	payload, callErr := d.Breakers.Get(server.Name).Do(ctx, func(callCtx context.Context) (json.RawMessage, error) {
		return d.Invoke(callCtx, server, req.Payload, req.Headers)
	})
	if callErr != nil {
		var derr error
		if errors.Is(callErr, breaker.ErrOpen) {
			derr = &CircuitOpenError{Server: server.Name}
		} else {
			derr = &UpstreamError{Server: server.Name, Err: callErr}
		}
		d.observe(ctx, observation{Server: server.Name, UserID: claims.UserID, Err: derr})
		return Result{}, derr
	}

	d.observe(ctx, observation{Server: server.Name, UserID: claims.UserID})
	return Result{Payload: payload, Claims: claims, Verdict: verdict}, nil
}

func limitKey(userID string) string {
	return "user:" + userID
}

func reasonForTokenError(err error) string {
	switch {
	case errors.Is(err, token.ErrRequired):
		return "TOKEN_REQUIRED"
	case errors.Is(err, token.ErrFormat):
		return "TOKEN_FORMAT"
	case errors.Is(err, token.ErrSignature):
		return "TOKEN_SIGNATURE"
	case errors.Is(err, token.ErrExpired):
		return "TOKEN_EXPIRED"
	case errors.Is(err, token.ErrFuture):
		return "TOKEN_FUTURE"
	default:
		return "TOKEN_INVALID"
	}
}

type observation struct {
	Server string
	UserID string
	Err    error
	Reason string
	Tier   string
}

// observe fans one dispatch verdict into metrics, the event hub, the
// audit trail, and the structured log.
func (d *Dispatcher) observe(ctx context.Context, obs observation) {
	outcome := Outcome(obs.Err)
	if d.Metrics != nil {
		d.Metrics.IncOutcome(outcome)
		if obs.Server != "" {
			d.Metrics.IncServerOutcome(obs.Server, outcome)
		}
		if obs.Reason != "" {
			d.Metrics.IncReason(obs.Reason)
		}
		if obs.Tier != "" {
			d.Metrics.IncRateLimited(obs.Tier)
		}
	}
	if d.Events != nil {
		d.Events.Publish(stream.Dispatched(obs.UserID, obs.Server, outcome, obs.Reason))
	}
	if d.Audit != nil {
		detail := map[string]interface{}{}
		if obs.Reason != "" {
			detail["reason"] = obs.Reason
		}
		if obs.Tier != "" {
			detail["tier"] = obs.Tier
		}
		if obs.Err != nil {
			detail["error"] = obs.Err.Error()
		}
		var raw json.RawMessage
		if len(detail) > 0 {
			raw, _ = json.Marshal(detail)
		}
		rec := audit.Record{
			Kind:     outcome,
			Identity: obs.UserID,
			Server:   obs.Server,
			Status:   HTTPStatus(obs.Err),
			Detail:   raw,
		}
		if err := d.Audit.Append(ctx, rec); err != nil {
			d.logger().Warn("audit append failed", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("server", obs.Server),
		zap.String("user_id", obs.UserID),
		zap.String("outcome", outcome),
	}
	if obs.Reason != "" {
		fields = append(fields, zap.String("reason", obs.Reason))
	}
	switch {
	case obs.Err == nil:
		d.logger().Info("request dispatched", fields...)
	case outcome == OutcomeCircuitOpen || outcome == OutcomeUpstreamError:
		fields = append(fields, zap.Error(obs.Err))
		d.logger().Warn("downstream unavailable", fields...)
	default:
		fields = append(fields, zap.Error(obs.Err))
		d.logger().Warn("request denied", fields...)
	}
}
