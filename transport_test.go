package mobilebridge

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestInjectionScripts(t *testing.T) {
	sec, _ := newTestSecurity()

	t.Run("message script targets the message entry point", func(t *testing.T) {
		sanitized, _ := sec.SanitizeForInjection(map[string]string{"id": "m1"})
		script := MessageScript(sanitized)
		if !strings.Contains(script, "window.WebBridge.handleNativeMessage") {
			t.Fatalf("missing entry point: %s", script)
		}
		if strings.Contains(script, "handleNativeResponse") {
			t.Fatal("message script must not reference the response entry point")
		}
	})

	t.Run("response script targets the response entry point", func(t *testing.T) {
		sanitized, _ := sec.SanitizeForInjection(Response{ID: "m1", Success: true})
		script := ResponseScript(sanitized)
		if !strings.Contains(script, "window.WebBridge.handleNativeResponse") {
			t.Fatalf("missing entry point: %s", script)
		}
	})

	t.Run("script is a guarded IIFE", func(t *testing.T) {
		script := MessageScript("{}")
		for _, marker := range []string{"(function() {", "try {", "} catch (error) {", "})();"} {
			if !strings.Contains(script, marker) {
				t.Fatalf("missing %q in script: %s", marker, script)
			}
		}
		if !strings.Contains(script, "if (window.WebBridge && window.WebBridge.handleNativeMessage)") {
			t.Fatalf("missing existence guard: %s", script)
		}
	})

	t.Run("hostile payload cannot escape the string literal", func(t *testing.T) {
		msg := sec.CreateSecureMessage("m1", "render", json.RawMessage(
			`{"html":"\"); alert(1); (\""}`))
		sanitized, err := sec.SanitizeForInjection(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		script := MessageScript(sanitized)

		// Between JSON.parse(" and "); every double quote must be escaped.
		start := strings.Index(script, `JSON.parse("`) + len(`JSON.parse("`)
		end := strings.Index(script[start:], `");`)
		body := script[start : start+end]
		for i := 0; i < len(body); i++ {
			if body[i] == '"' && (i == 0 || body[i-1] != '\\') {
				t.Fatalf("unescaped quote at %d in %q", i, body)
			}
		}
	})
}

func TestRedialBackoff(t *testing.T) {
	t.Run("delays double up to the cap", func(t *testing.T) {
		b := backoff{base: time.Second, cap: 5 * time.Second, limit: 10}
		bounds := []struct{ min, max time.Duration }{
			{1 * time.Second, 1500 * time.Millisecond},
			{2 * time.Second, 2500 * time.Millisecond},
			{4 * time.Second, 4500 * time.Millisecond},
			{5 * time.Second, 5 * time.Second},
			{5 * time.Second, 5 * time.Second},
		}
		for i, want := range bounds {
			d, ok := b.next()
			if !ok {
				t.Fatalf("attempt %d refused within budget", i)
			}
			if d < want.min || d > want.max {
				t.Fatalf("attempt %d delay %v outside [%v, %v]", i, d, want.min, want.max)
			}
		}
	})

	t.Run("budget exhaustion stops redialing", func(t *testing.T) {
		b := backoff{base: time.Millisecond, cap: time.Second, limit: 2}
		for i := 0; i < 2; i++ {
			if _, ok := b.next(); !ok {
				t.Fatalf("attempt %d refused within budget", i)
			}
		}
		if _, ok := b.next(); ok {
			t.Fatal("third attempt must be refused")
		}
	})

	t.Run("zero limit means unlimited attempts", func(t *testing.T) {
		b := backoff{base: time.Millisecond, cap: time.Second}
		for i := 0; i < 50; i++ {
			if _, ok := b.next(); !ok {
				t.Fatalf("attempt %d refused with no limit", i)
			}
		}
	})

	t.Run("a long-held connection resets the streak", func(t *testing.T) {
		b := backoff{base: time.Second, cap: time.Minute, limit: 3}
		b.next()
		b.next()
		b.next()
		if _, ok := b.next(); ok {
			t.Fatal("budget must be spent")
		}

		b.lastUp = time.Now().Add(-2 * backoffResetAfter)
		d, ok := b.next()
		if !ok {
			t.Fatal("held connection must restart the schedule")
		}
		if d > 1500*time.Millisecond {
			t.Fatalf("restarted schedule must begin at the base delay, got %v", d)
		}
	})
}
