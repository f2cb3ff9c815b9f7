package providers

import (
	"fmt"
	"net/http"
	"strings"
)

// AuthStrategy applies request auth for provider HTTP calls.
type AuthStrategy interface {
	Apply(req *http.Request) error
}

// APIKeyAuth sends Key as a bearer token. KeyPath is the config key named in
// the error when Key is blank.
type APIKeyAuth struct {
	Key     string
	KeyPath string
}

func (a APIKeyAuth) Apply(req *http.Request) error {
	key := strings.TrimSpace(a.Key)
	if key == "" {
		return fmt.Errorf("api key is empty (set %s)", valueOrDefault(a.KeyPath, "the provider api_key"))
	}
	req.Header.Set("Authorization", "Bearer "+key)
	return nil
}

func valueOrDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
