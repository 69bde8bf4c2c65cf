// Package authstate is a thin Redis wrapper providing process-wide
// coordination of a CLI-backed LLM provider's health: auth failures and
// quota exhaustion are host-scoped, not job-scoped, so every worker on the
// host must see the same state. Unhealthy status keys are written with
// SET and a TTL, so stale state expires on its own; SetHealthy deletes
// them and writes a last-check sentinel without a TTL. There is no locking.
package authstate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/for-the-greater-good/sheltermap/internal/errs"
)

const (
	authStatusKey  = "claude:auth:status"
	quotaStatusKey = "claude:quota:status"
	lastCheckKey   = "claude:last:check"

	// KindAuthFailed and KindQuotaExceeded are the two unhealthy kinds
	// recorded in status.
	KindAuthFailed    = "auth_failed"
	KindQuotaExceeded = "quota_exceeded"
)

// Status is the JSON shape written to claude:auth:status / claude:quota:status.
type Status struct {
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	SetAt      time.Time `json:"set_at"`
	RetryAt    time.Time `json:"retry_at"`
	RetryAfter int       `json:"retry_after_seconds"`
}

// Details augments a Status with how many seconds remain until retry is due.
type Details struct {
	Status
	RetryInSeconds int `json:"retry_in_seconds"`
}

// Manager coordinates auth/quota state across workers via Redis.
type Manager struct {
	client *redis.Client
	now    func() time.Time
}

// New constructs a Manager over an existing Redis client.
func New(client *redis.Client) *Manager {
	return &Manager{client: client, now: time.Now}
}

// SetAuthFailed records that the provider's credentials are no longer
// valid. TTL on the key is retryAfter + 60s so stale unhealthiness expires
// on its own even if nobody calls SetHealthy.
func (m *Manager) SetAuthFailed(ctx context.Context, message string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = errs.DefaultAuthRetryAfter
	}
	return m.setStatus(ctx, authStatusKey, KindAuthFailed, message, retryAfter)
}

// SetQuotaExceeded records that the provider has exhausted its usage quota.
func (m *Manager) SetQuotaExceeded(ctx context.Context, message string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = errs.DefaultQuotaRetryAfter
	}
	return m.setStatus(ctx, quotaStatusKey, KindQuotaExceeded, message, retryAfter)
}

func (m *Manager) setStatus(ctx context.Context, key, kind, message string, retryAfter time.Duration) error {
	now := m.now()
	status := Status{
		Kind:       kind,
		Message:    message,
		SetAt:      now,
		RetryAt:    now.Add(retryAfter),
		RetryAfter: int(retryAfter.Seconds()),
	}
	data, err := json.Marshal(status)
	if err != nil {
		return errs.NewStorageError("encoding auth status", err)
	}
	ttl := retryAfter + 60*time.Second
	if err := m.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return errs.NewStorageError("writing auth status to redis", err)
	}
	return nil
}

// SetHealthy clears both the auth and quota keys and records a last-check
// sentinel.
func (m *Manager) SetHealthy(ctx context.Context) error {
	if err := m.client.Del(ctx, authStatusKey, quotaStatusKey).Err(); err != nil {
		return errs.NewStorageError("clearing auth status", err)
	}
	if err := m.client.Set(ctx, lastCheckKey, m.now().Format(time.RFC3339), 0).Err(); err != nil {
		return errs.NewStorageError("writing last-check sentinel", err)
	}
	return nil
}

// IsHealthy reports whether neither key is present, or both present keys
// have an already-elapsed retry time. When unhealthy, it returns the
// earliest unhealthy state, augmented with how many seconds remain.
func (m *Manager) IsHealthy(ctx context.Context) (bool, *Details, error) {
	authStatus, err := m.readStatus(ctx, authStatusKey)
	if err != nil {
		return false, nil, err
	}
	quotaStatus, err := m.readStatus(ctx, quotaStatusKey)
	if err != nil {
		return false, nil, err
	}

	now := m.now()
	active := make([]*Status, 0, 2)
	for _, s := range []*Status{authStatus, quotaStatus} {
		if s != nil && s.RetryAt.After(now) {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return true, nil, nil
	}

	earliest := active[0]
	for _, s := range active[1:] {
		if s.RetryAt.Before(earliest.RetryAt) {
			earliest = s
		}
	}
	retryIn := int(earliest.RetryAt.Sub(now).Seconds())
	if retryIn < 0 {
		retryIn = 0
	}
	return false, &Details{Status: *earliest, RetryInSeconds: retryIn}, nil
}

func (m *Manager) readStatus(ctx context.Context, key string) (*Status, error) {
	data, err := m.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errs.NewStorageError("reading auth status from redis", err)
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, errs.NewStorageError("decoding auth status", err)
	}
	return &status, nil
}

// ShouldCheckAuth reports whether a background probe is due: false while
// currently unhealthy (no probing while bad; the probe itself would just
// fail the same way), false if the last check was within checkInterval,
// true otherwise.
func (m *Manager) ShouldCheckAuth(ctx context.Context, checkInterval time.Duration) (bool, error) {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	healthy, _, err := m.IsHealthy(ctx)
	if err != nil {
		return false, err
	}
	if !healthy {
		return false, nil
	}

	raw, err := m.client.Get(ctx, lastCheckKey).Result()
	if err != nil {
		if err == redis.Nil {
			return true, nil
		}
		return false, errs.NewStorageError("reading last-check sentinel", err)
	}
	lastCheck, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// A corrupt sentinel should not wedge probing forever.
		return true, nil
	}
	return m.now().Sub(lastCheck) >= checkInterval, nil
}
