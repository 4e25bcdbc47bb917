package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertKind classifies why a health_alert was raised (spec §4.5).
type AlertKind string

const (
	AlertResponseTimeWarn     AlertKind = "response_time_warn"
	AlertResponseTimeCritical AlertKind = "response_time_critical"
	AlertFailureRateWarn      AlertKind = "failure_rate_warn"
	AlertFailureRateCritical  AlertKind = "failure_rate_critical"
	AlertUnhealthy            AlertKind = "unhealthy"
)

// Thresholds configures when an alert is raised (spec §6 config keys).
type Thresholds struct {
	ResponseMSWarn      int64
	ResponseMSCritical  int64
	FailRateWarn        float64
	FailRateCritical    float64
}

const redisKeyPrefix = "health:alert:"

func redisKey(forwarderID int64, kind AlertKind) string {
	return fmt.Sprintf("%s%d:%s", redisKeyPrefix, forwarderID, kind)
}

const dedupTTL = 15 * time.Minute

// Deduper suppresses repeated alerts of the same (forwarder_id, kind) within
// alert_ttl, via a Redis SETNX-style lease (spec §4.5: "deduplicated per
// (forwarder_id, kind) within an alert_ttl").
type Deduper struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewDeduper creates a Deduper with the given alert_ttl (defaults to 15m).
func NewDeduper(redisClient *redis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = dedupTTL
	}
	return &Deduper{redis: redisClient, ttl: ttl}
}

// ShouldFire reports whether an alert of this kind for this forwarder should
// be emitted now, claiming the dedup lease if so.
func (d *Deduper) ShouldFire(ctx context.Context, forwarderID int64, kind AlertKind) bool {
	ok, err := d.redis.SetNX(ctx, redisKey(forwarderID, kind), 1, d.ttl).Result()
	if err != nil {
		// Redis unavailable: fail open rather than silently swallow a
		// health alert an operator needs to see.
		return true
	}
	return ok
}

// EvaluateResponseTime returns the alert kind for the slowest per-server
// response in a cycle, if any threshold was crossed.
func EvaluateResponseTime(maxResponseMS int64, t Thresholds) (AlertKind, bool) {
	switch {
	case t.ResponseMSCritical > 0 && maxResponseMS >= t.ResponseMSCritical:
		return AlertResponseTimeCritical, true
	case t.ResponseMSWarn > 0 && maxResponseMS >= t.ResponseMSWarn:
		return AlertResponseTimeWarn, true
	default:
		return "", false
	}
}

// EvaluateFailureRate returns the alert kind for a forwarder's failure rate
// over its last 10 cycles, if any threshold was crossed.
func EvaluateFailureRate(failureRate float64, t Thresholds) (AlertKind, bool) {
	switch {
	case t.FailRateCritical > 0 && failureRate >= t.FailRateCritical:
		return AlertFailureRateCritical, true
	case t.FailRateWarn > 0 && failureRate >= t.FailRateWarn:
		return AlertFailureRateWarn, true
	default:
		return "", false
	}
}
