package mobilebridge

import (
	"context"
	"fmt"
)

// Transport delivers a serialized script from the native side into the web
// context. It is fire-and-forget: there is no delivery acknowledgment, and
// correlation happens at the envelope layer, not here.
type Transport interface {
	Deliver(ctx context.Context, script string) error
	Available() bool
}

// The web side exposes two entry points: one for native-initiated requests
// and one for responses to web-initiated calls. Everything injected is a
// guarded IIFE so a parse failure in the web context cannot surface as an
// uncaught error there.
const (
	webMessageEntry  = "handleNativeMessage"
	webResponseEntry = "handleNativeResponse"
)

func injectionScript(entry, sanitized string) string {
	return fmt.Sprintf(`(function() {
  try {
    if (window.WebBridge && window.WebBridge.%s) {
      var message = JSON.parse("%s");
      window.WebBridge.%s(message);
    }
  } catch (error) {
    console.error('[Bridge] Error handling message:', error);
  }
})();`, entry, sanitized, entry)
}

// MessageScript wraps an already-sanitized request envelope for injection.
// Sanitization is the parser-boundary concern of Security.SanitizeForInjection;
// this function only builds the surrounding script.
func MessageScript(sanitized string) string {
	return injectionScript(webMessageEntry, sanitized)
}

// ResponseScript wraps an already-sanitized response envelope for injection.
func ResponseScript(sanitized string) string {
	return injectionScript(webResponseEntry, sanitized)
}
