package providers

import (
	"strings"
	"testing"
)

func TestAugmentProviderError_OpenRouterAuthHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenRouter, "No auth credentials found")
	if !strings.Contains(msg, "providers.openrouter.api_key") {
		t.Fatalf("expected api key hint, got %q", msg)
	}
}

func TestAugmentProviderError_AnthropicOverloadedHint(t *testing.T) {
	msg := augmentProviderError(ProviderAnthropic, "overloaded_error: Overloaded")
	if !strings.Contains(msg, "fallback_model") {
		t.Fatalf("expected fallback hint, got %q", msg)
	}
}

func TestAugmentProviderError_PassThrough(t *testing.T) {
	if got := augmentProviderError(ProviderOpenRouter, "  rate limited  "); got != "rate limited" {
		t.Fatalf("expected trimmed passthrough, got %q", got)
	}
}
