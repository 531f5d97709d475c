// Package audit provides the append-only trail of job and login outcomes.
//
// Records are immutable once appended. Ordering is guaranteed only within a
// single account's sequence; concurrent appends for different accounts may
// interleave. Secrets never reach a sink: detail maps are redacted before
// anything is written.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record kinds. Kept as a closed set so downstream tooling can parse the log.
const (
	KindLoginAttempt = "login_attempt"
	KindLoginSuccess = "login_success"
	KindLoginFailed  = "login_failed"
	KindTwoFASend    = "twofa_send"
	KindDMAttempt    = "dm_attempt"
	KindDMSent       = "dm_sent"
	KindDMFailed     = "dm_failed"
	KindFlowPlayback = "flow_playback"
	KindRateLimited  = "rate_limited"
	KindAccountHalt  = "account_halted"
	KindJobSkipped   = "job_skipped"
	KindReplyScan    = "reply_scan"
	KindReplySent    = "reply_sent"
	KindKeyRotation  = "key_rotation"
)

type Record struct {
	ID      string            `json:"id"`
	At      time.Time         `json:"ts"`
	Account string            `json:"account"`
	Kind    string            `json:"kind"`
	Outcome string            `json:"outcome"`
	Detail  map[string]string `json:"detail,omitempty"`
	JobID   string            `json:"job_id,omitempty"`
	Attempt int               `json:"attempt,omitempty"`
}

// Sink receives finalized records. Implementations must serialize concurrent
// appends so no entry is lost or partially interleaved.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

type NopSink struct{}

func (NopSink) Append(context.Context, Record) error { return nil }
func (NopSink) Close() error                         { return nil }

var sensitiveKeyParts = []string{"password", "otp", "totp", "code", "token", "secret"}

// redactDetail replaces values under secret-looking keys with "***".
func redactDetail(detail map[string]string) map[string]string {
	if len(detail) == 0 {
		return nil
	}
	out := make(map[string]string, len(detail))
	for k, v := range detail {
		lower := strings.ToLower(k)
		redacted := false
		for _, part := range sensitiveKeyParts {
			if strings.Contains(lower, part) {
				out[k] = "***"
				redacted = true
				break
			}
		}
		if !redacted {
			out[k] = v
		}
	}
	return out
}

// finalize stamps missing fields and redacts the detail map.
func finalize(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	} else {
		rec.At = rec.At.UTC()
	}
	rec.Detail = redactDetail(rec.Detail)
	return rec
}
