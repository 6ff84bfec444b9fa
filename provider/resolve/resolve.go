// Package resolve turns routing model strings ("provider/model-id") into
// concrete providers backed by the process-wide credential set. It is
// the standard arbor.ModelFactory implementation.
package resolve

import (
	"fmt"
	"strings"
	"sync"

	arbor "github.com/okvist/arbor"
	"github.com/okvist/arbor/provider/openaicompat"
)

// Credential holds one provider's API access.
type Credential struct {
	APIKey  string
	BaseURL string // optional; auto-filled for known providers
}

// Factory implements arbor.ModelFactory over a credential map keyed by
// provider name. Providers are constructed once per model string and
// cached.
type Factory struct {
	mu          sync.Mutex
	credentials map[string]Credential
	cache       map[string]arbor.Provider
}

var _ arbor.ModelFactory = (*Factory)(nil)

// NewFactory creates a factory over the given credentials.
func NewFactory(credentials map[string]Credential) *Factory {
	return &Factory{
		credentials: credentials,
		cache:       make(map[string]arbor.Provider),
	}
}

// Make resolves "provider/model-id" to a Provider. Unknown providers and
// missing credentials fail with ErrConfig at dispatch time.
func (f *Factory) Make(model string) (arbor.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.cache[model]; ok {
		return p, nil
	}

	providerName, modelID, ok := strings.Cut(model, "/")
	if !ok {
		return nil, &arbor.ErrConfig{Message: "invalid model string (want provider/model-id): " + model}
	}

	cred, ok := f.credentials[providerName]
	if !ok {
		return nil, &arbor.ErrConfig{Message: "no credentials for provider " + providerName}
	}

	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(providerName)
	}
	if baseURL == "" {
		return nil, &arbor.ErrConfig{Message: fmt.Sprintf("provider %q needs an explicit base URL", providerName)}
	}

	p := openaicompat.NewProvider(cred.APIKey, modelID, baseURL, openaicompat.WithName(providerName))
	f.cache[model] = p
	return p, nil
}

// defaultBaseURL maps known providers to their OpenAI-compatible
// endpoints.
func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "fireworks":
		return "https://api.fireworks.ai/inference/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "xai":
		return "https://api.x.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	}
	return ""
}
