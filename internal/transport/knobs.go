package transport

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultHeartbeatSec      = 15
	defaultRegisterTimeoutMS = 5000
	defaultDialTimeoutMS     = 8000
	defaultBackoffBaseMS     = 2000
	defaultBackoffCapSec     = 300
	defaultBackoffJitterMS   = 1000
	defaultMaxAttempts       = 8
	defaultOutboxCap         = 256
	heartbeatMissLimit       = 3
)

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func heartbeatInterval() time.Duration {
	if v, ok := envInt("PAIRLINK_HEARTBEAT_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return defaultHeartbeatSec * time.Second
}

func registerTimeout() time.Duration {
	if v, ok := envInt("PAIRLINK_REGISTER_TIMEOUT_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultRegisterTimeoutMS * time.Millisecond
}

func dialTimeout() time.Duration {
	if v, ok := envInt("PAIRLINK_DIAL_TIMEOUT_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultDialTimeoutMS * time.Millisecond
}

func backoffBase() time.Duration {
	if v, ok := envInt("PAIRLINK_BACKOFF_BASE_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultBackoffBaseMS * time.Millisecond
}

func backoffCap() time.Duration {
	if v, ok := envInt("PAIRLINK_BACKOFF_CAP_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return defaultBackoffCapSec * time.Second
}

func backoffJitter() time.Duration {
	if v, ok := envInt("PAIRLINK_BACKOFF_JITTER_MS"); ok && v >= 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultBackoffJitterMS * time.Millisecond
}

func maxAttempts() int {
	if v, ok := envInt("PAIRLINK_MAX_RECONNECT_ATTEMPTS"); ok && v > 0 {
		return v
	}
	return defaultMaxAttempts
}

func outboxCap() int {
	if v, ok := envInt("PAIRLINK_OUTBOX_CAP"); ok && v > 0 {
		return v
	}
	return defaultOutboxCap
}
