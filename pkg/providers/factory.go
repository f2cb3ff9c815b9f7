package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dottask/pkg/config"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
)

// backend builds a Completer from config. validate reports missing settings
// without building anything.
type backend struct {
	build    func(cfg *config.Config) (Completer, error)
	validate func(cfg *config.Config) error
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]backend{}
)

// RegisterFactory makes a provider selectable through providers.provider.
// A nil build func panics at init time.
func RegisterFactory(name string, build func(cfg *config.Config) (Completer, error), validate func(cfg *config.Config) error) {
	if build == nil {
		panic("providers: nil build func for " + name)
	}
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[NormalizeProviderName(name)] = backend{build: build, validate: validate}
}

// SupportedProviders returns the registered provider names, sorted.
func SupportedProviders() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeProviderName lowercases name; blank selects OpenRouter.
func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenRouter
	}
	return name
}

func ValidateProviderConfig(cfg *config.Config) error {
	b, err := lookupBackend(cfg)
	if err != nil || b.validate == nil {
		return err
	}
	return b.validate(cfg)
}

// CreateProvider builds the completer selected by cfg.Providers.Provider.
func CreateProvider(cfg *config.Config) (Completer, error) {
	b, err := lookupBackend(cfg)
	if err != nil {
		return nil, err
	}
	return b.build(cfg)
}

func lookupBackend(cfg *config.Config) (backend, error) {
	if cfg == nil {
		return backend{}, fmt.Errorf("config is required")
	}
	name := NormalizeProviderName(cfg.Providers.Provider)
	backendsMu.RLock()
	b, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return backend{}, fmt.Errorf("unsupported provider %q (set providers.provider or DOTTASK_PROVIDERS_PROVIDER to one of %s)",
			name, strings.Join(SupportedProviders(), ", "))
	}
	return b, nil
}
