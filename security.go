package mobilebridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Validation errors
// ============================================================================

var (
	// ErrMissingFields means the envelope lacks id or type and is not
	// dispatchable.
	ErrMissingFields = errors.New("missing required fields (id, type)")

	// ErrExpiredTimestamp means the envelope timestamp is outside the replay
	// window. Timestamps in the future are rejected the same way.
	ErrExpiredTimestamp = errors.New("message expired or invalid timestamp")

	// ErrInvalidSignature means the envelope signature does not match the
	// recomputed one.
	ErrInvalidSignature = errors.New("invalid signature")
)

const (
	// DefaultMaxMessageAge is the replay-protection window.
	DefaultMaxMessageAge = 5 * time.Minute

	// DefaultRateLimitWindow / DefaultRateLimitMax bound per-type inbound
	// traffic.
	DefaultRateLimitWindow = time.Minute
	DefaultRateLimitMax    = 100
)

// ============================================================================
// Security
// ============================================================================

// Security validates, signs, and sanitizes bridge envelopes. Validation is
// best-effort rather than mandatory-strict: messages without a timestamp or
// signature are accepted, but present fields must check out.
//
// Signatures are HMAC-SHA256 over the canonical JSON of the envelope with
// the signature field excluded. The key deters tampering on the injection
// channel; it is a parser-boundary integrity check, not an
// attacker-resistant boundary on its own.
type Security struct {
	secret     []byte
	maxAge     time.Duration
	rateWindow time.Duration
	rateMax    int
	now        func() time.Time

	mu        sync.Mutex
	rateTimes map[string][]int64
}

// SecurityOption configures a Security instance.
type SecurityOption func(*Security)

// WithMaxMessageAge overrides the replay window.
func WithMaxMessageAge(d time.Duration) SecurityOption {
	return func(s *Security) { s.maxAge = d }
}

// WithRateLimit overrides the sliding-window rate limit.
func WithRateLimit(window time.Duration, max int) SecurityOption {
	return func(s *Security) {
		s.rateWindow = window
		s.rateMax = max
	}
}

// WithSecurityClock overrides the time source. Used by tests to pin the
// replay window and rate limiter to a simulated clock.
func WithSecurityClock(now func() time.Time) SecurityOption {
	return func(s *Security) { s.now = now }
}

// NewSecurity creates a Security layer keyed with the shared secret.
func NewSecurity(secret string, opts ...SecurityOption) *Security {
	s := &Security{
		secret:     []byte(secret),
		maxAge:     DefaultMaxMessageAge,
		rateWindow: DefaultRateLimitWindow,
		rateMax:    DefaultRateLimitMax,
		now:        time.Now,
		rateTimes:  make(map[string][]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// signedView fixes the canonical field order the signature covers.
type signedView struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ComputeSignature returns the hex HMAC-SHA256 tag for msg, ignoring any
// signature already present on it.
func (s *Security) ComputeSignature(msg *Message) string {
	data, _ := json.Marshal(signedView{
		ID:        msg.ID,
		Type:      msg.Type,
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp,
	})
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig matches msg, in constant time.
func (s *Security) VerifySignature(msg *Message, sig string) bool {
	if sig == "" {
		return false
	}
	expected := s.ComputeSignature(msg)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ValidateTimestamp reports whether ts (unix ms) falls inside the replay
// window: 0 <= now-ts <= maxAge. Future timestamps fail; clock skew is
// untrusted.
func (s *Security) ValidateTimestamp(ts int64) bool {
	age := s.now().UnixMilli() - ts
	return age >= 0 && age <= s.maxAge.Milliseconds()
}

// Validate runs the ordered structural and security checks on an inbound
// envelope. A nil return means the message may be dispatched.
func (s *Security) Validate(msg *Message) error {
	if msg == nil || msg.ID == "" || msg.Type == "" {
		return ErrMissingFields
	}
	if msg.Timestamp != 0 && !s.ValidateTimestamp(msg.Timestamp) {
		return ErrExpiredTimestamp
	}
	if msg.Signature != "" && !s.VerifySignature(msg, msg.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// CreateSecureMessage builds an outbound envelope stamped with the current
// time and its signature.
func (s *Security) CreateSecureMessage(id, msgType string, payload json.RawMessage) Message {
	msg := Message{
		ID:        id,
		Type:      msgType,
		Payload:   payload,
		Timestamp: s.now().UnixMilli(),
	}
	msg.Signature = s.ComputeSignature(&msg)
	return msg
}

// CheckRateLimit records one call under key and reports whether it is
// allowed. The window is enforced by filtering stale entries on every check;
// there is no background sweep. Rejected calls are not recorded.
func (s *Security) CheckRateLimit(key string) bool {
	now := s.now().UnixMilli()
	cutoff := now - s.rateWindow.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	times := s.rateTimes[key]
	recent := times[:0]
	for _, t := range times {
		if t > cutoff {
			recent = append(recent, t)
		}
	}
	if len(recent) >= s.rateMax {
		s.rateTimes[key] = recent
		return false
	}
	s.rateTimes[key] = append(recent, now)
	return true
}

// ============================================================================
// Sanitizers
// ============================================================================

var injectionEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// SanitizeForInjection serializes v to JSON and escapes it so the result can
// sit inside a single- or double-quoted script string literal and parse back
// as the same JSON in the receiving context.
func (s *Security) SanitizeForInjection(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize for injection: %w", err)
	}
	return injectionEscaper.Replace(string(data)), nil
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

// SanitizeHTML entity-escapes s for safe embedding in markup.
func (s *Security) SanitizeHTML(html string) string {
	return htmlEscaper.Replace(html)
}

var blockedURLPatterns = []string{"javascript:", "data:", "vbscript:", "file:"}

// ValidateURL accepts only parseable http/https URLs and rejects anything
// whose lowercased form contains a blocked scheme as a substring, guarding
// against scheme confusion inside query strings.
func (s *Security) ValidateURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	lower := strings.ToLower(rawURL)
	for _, pattern := range blockedURLPatterns {
		if strings.Contains(lower, pattern) {
			return false
		}
	}
	return true
}
