package providers

import "strings"

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	providerName = NormalizeProviderName(providerName)

	switch providerName {
	case ProviderOpenRouter:
		if strings.Contains(lower, "no auth credentials found") || strings.Contains(lower, "user not found") {
			return msg + " Hint: check providers.openrouter.api_key; OpenRouter keys start with sk-or-."
		}
		if strings.Contains(lower, "insufficient credits") {
			return msg + " Hint: the OpenRouter account is out of credits; scans will resume once credits are added."
		}
	case ProviderAnthropic:
		if strings.Contains(lower, "invalid x-api-key") || strings.Contains(lower, "authentication_error") {
			return msg + " Hint: check providers.anthropic.api_key; Anthropic keys start with sk-ant-."
		}
		if strings.Contains(lower, "overloaded") {
			return msg + " Hint: the API is overloaded; configure providers.fallback_model to a smaller model."
		}
	}

	return msg
}
