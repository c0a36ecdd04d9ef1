// Package ratelimit enforces per-agent RPM and TPM limits over fixed
// one-minute windows. Redis is the fast path when configured; any Redis
// failure falls back to transactional counters in Postgres so limits stay
// enforced during an outage.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aexlabs/aex/pkg/database"
	"github.com/aexlabs/aex/pkg/ledger"
)

// Recorder persists RATE_LIMIT audit events. *ledger.Ledger satisfies it.
type Recorder interface {
	RecordAction(ctx context.Context, tenantID, projectID, agent, action string, costMicro int64, metadata any) error
}

// Scope identifies the counter bucket for one agent.
type Scope struct {
	TenantID  string
	ProjectID string
	Agent     string
}

// Limits are the effective window limits after quota overrides. A nil TPM
// means tokens are unmetered.
type Limits struct {
	RPM int
	TPM *int64
}

// Limiter checks and advances rate windows.
type Limiter struct {
	client   *database.Client
	redis    *redis.Client
	recorder Recorder

	now func() time.Time
}

// New creates a limiter. rdb may be nil when Redis is not configured.
func New(client *database.Client, rdb *redis.Client, recorder Recorder) *Limiter {
	return &Limiter{client: client, redis: rdb, recorder: recorder, now: time.Now}
}

// Check enforces the agent's limits for the given scope. Returns a 429
// ControlError when a limit is exceeded.
func (l *Limiter) Check(ctx context.Context, agent *ledger.Agent, tenantID, projectID string) error {
	scope := Scope{
		TenantID:  orDefault(tenantID),
		ProjectID: orDefault(projectID),
		Agent:     agent.Name,
	}
	limits, err := l.resolveLimits(ctx, agent, scope)
	if err != nil {
		return err
	}
	return l.CheckLimits(ctx, scope, limits)
}

// CheckLimits enforces explicit limits, bypassing quota resolution.
func (l *Limiter) CheckLimits(ctx context.Context, scope Scope, limits Limits) error {
	if l.redis != nil {
		handled, err := l.checkRedis(ctx, scope, limits)
		if handled {
			return err
		}
		slog.Warn("Redis rate-limit check unavailable, falling back to Postgres",
			"agent", scope.Agent, "error", err)
	}
	return l.checkPostgres(ctx, scope, limits)
}

// AddTokens advances the Redis token counter after settlement. The Postgres
// counter is advanced inside the commit transaction; this keeps the fast
// path's view current. Best effort.
func (l *Limiter) AddTokens(ctx context.Context, scope Scope, tokens int64) {
	if l.redis == nil || tokens <= 0 {
		return
	}
	now := l.now().UTC()
	key := windowKey("tok", scope, now)
	count, err := l.redis.IncrBy(ctx, key, tokens).Result()
	if err != nil {
		slog.Warn("Failed to advance Redis token counter", "agent", scope.Agent, "error", err)
		return
	}
	if count == tokens {
		l.redis.Expire(ctx, key, windowTTL(now))
	}
}

// resolveLimits starts from the agent row and applies any quota_limits
// override for the agent scope key.
func (l *Limiter) resolveLimits(ctx context.Context, agent *ledger.Agent, scope Scope) (Limits, error) {
	limits := Limits{RPM: agent.RPMLimit}
	if agent.MaxTokensPerMinute.Valid {
		tpm := agent.MaxTokensPerMinute.Int64
		limits.TPM = &tpm
	}

	scopeKey := fmt.Sprintf("agent:%s:%s:%s", scope.TenantID, scope.ProjectID, scope.Agent)
	var rpm, tpm sql.NullInt64
	err := l.client.DB().QueryRowContext(ctx,
		`SELECT rpm_limit, tpm_limit FROM quota_limits WHERE scope_key = $1`,
		scopeKey).Scan(&rpm, &tpm)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return limits, nil
		}
		return limits, fmt.Errorf("resolving quota override for %s: %w", scopeKey, err)
	}
	if rpm.Valid {
		limits.RPM = int(rpm.Int64)
	}
	if tpm.Valid {
		override := tpm.Int64
		limits.TPM = &override
	}
	return limits, nil
}

// checkRedis returns handled=false when Redis could not answer and the
// caller should fall back. A 429 outcome counts as handled.
func (l *Limiter) checkRedis(ctx context.Context, scope Scope, limits Limits) (bool, error) {
	now := l.now().UTC()
	reqKey := windowKey("req", scope, now)

	count, err := l.redis.Incr(ctx, reqKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		l.redis.Expire(ctx, reqKey, windowTTL(now))
	}
	if count > int64(limits.RPM) {
		l.recordLimitEvent(ctx, scope, fmt.Sprintf("RPM Limit: %d (redis)", limits.RPM))
		slog.Warn("RPM rate limit exceeded", "agent", scope.Agent,
			"tenant_id", scope.TenantID, "project_id", scope.ProjectID,
			"limit", limits.RPM, "backend", "redis")
		return true, limitExceeded("RPM rate limit exceeded")
	}

	if limits.TPM != nil {
		// Token counters advance at settlement, so the window check reads
		// the committed total rather than incrementing.
		raw, err := l.redis.Get(ctx, windowKey("tok", scope, now)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, err
		}
		tokens, _ := strconv.ParseInt(raw, 10, 64)
		if tokens > *limits.TPM {
			l.recordLimitEvent(ctx, scope, fmt.Sprintf("TPM Limit: %d (redis)", *limits.TPM))
			slog.Warn("TPM rate limit exceeded", "agent", scope.Agent,
				"tenant_id", scope.TenantID, "project_id", scope.ProjectID,
				"limit", *limits.TPM, "backend", "redis")
			return true, limitExceeded("TPM rate limit exceeded")
		}
	}
	return true, nil
}

func (l *Limiter) checkPostgres(ctx context.Context, scope Scope, limits Limits) error {
	var denied *ledger.ControlError
	err := l.client.WithTx(ctx, func(tx *sql.Tx) error {
		var windowStart sql.NullTime
		var requests, tokens int64
		err := tx.QueryRowContext(ctx, `
			SELECT window_start, request_count, tokens_count
			FROM rate_windows WHERE agent = $1 FOR UPDATE`,
			scope.Agent).Scan(&windowStart, &requests, &tokens)
		now := l.now().UTC()

		if errors.Is(err, sql.ErrNoRows) {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO rate_windows (agent, tenant_id, project_id, window_start, request_count, tokens_count)
				VALUES ($1, $2, $3, $4, 1, 0)`,
				scope.Agent, scope.TenantID, scope.ProjectID, now)
			if err != nil {
				return fmt.Errorf("seeding rate window for %s: %w", scope.Agent, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading rate window for %s: %w", scope.Agent, err)
		}

		if !windowStart.Valid || now.Sub(windowStart.Time) > time.Minute {
			_, err := tx.ExecContext(ctx, `
				UPDATE rate_windows
				SET tenant_id = $1, project_id = $2, window_start = $3, request_count = 1, tokens_count = 0
				WHERE agent = $4`,
				scope.TenantID, scope.ProjectID, now, scope.Agent)
			if err != nil {
				return fmt.Errorf("resetting rate window for %s: %w", scope.Agent, err)
			}
			return nil
		}

		if requests >= int64(limits.RPM) {
			denied = limitExceeded("RPM rate limit exceeded")
			// The audit row commits with the denial.
			return auditLimitTx(tx, scope, fmt.Sprintf("RPM Limit: %d", limits.RPM))
		}
		if limits.TPM != nil && tokens >= *limits.TPM {
			denied = limitExceeded("TPM rate limit exceeded")
			return auditLimitTx(tx, scope, fmt.Sprintf("TPM Limit: %d", *limits.TPM))
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE rate_windows
			SET tenant_id = $1, project_id = $2, request_count = request_count + 1
			WHERE agent = $3`,
			scope.TenantID, scope.ProjectID, scope.Agent)
		if err != nil {
			return fmt.Errorf("advancing rate window for %s: %w", scope.Agent, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if denied != nil {
		slog.Warn("Rate limit exceeded", "agent", scope.Agent,
			"tenant_id", scope.TenantID, "project_id", scope.ProjectID,
			"backend", "postgres", "detail", denied.Detail)
		return denied
	}
	return nil
}

func auditLimitTx(tx *sql.Tx, scope Scope, detail string) error {
	_, err := tx.Exec(`
		INSERT INTO events (tenant_id, project_id, agent, action, cost_micro, metadata)
		VALUES ($1, $2, $3, 'RATE_LIMIT', 0, $4)`,
		scope.TenantID, scope.ProjectID, scope.Agent, detail)
	if err != nil {
		return fmt.Errorf("recording rate limit event: %w", err)
	}
	return nil
}

func (l *Limiter) recordLimitEvent(ctx context.Context, scope Scope, detail string) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordAction(ctx, scope.TenantID, scope.ProjectID, scope.Agent, "RATE_LIMIT", 0, detail); err != nil {
		slog.Warn("Failed to record rate limit event", "agent", scope.Agent, "error", err)
	}
}

func limitExceeded(detail string) *ledger.ControlError {
	return &ledger.ControlError{
		Status:     http.StatusTooManyRequests,
		Detail:     detail,
		ReasonCode: "RATE_LIMIT",
	}
}

// windowKey buckets counters into the current UTC minute.
func windowKey(kind string, scope Scope, now time.Time) string {
	return fmt.Sprintf("aex:rate:%s:%s:%s:%s:%s",
		kind, scope.TenantID, scope.ProjectID, scope.Agent, now.Format("200601021504"))
}

// windowTTL expires keys shortly after their minute ends so straggling reads
// still see the closed window.
func windowTTL(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute)
	ttl := next.Sub(now) + 5*time.Second
	if ttl < 5*time.Second {
		ttl = 5 * time.Second
	}
	return ttl
}

func orDefault(s string) string {
	if s == "" {
		return "default"
	}
	return s
}
