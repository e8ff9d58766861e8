// Package engine – catalog.go holds the static provider/model table. The
// catalog is built once from config at process start and is read-only after
// that, so it is safely shared across all sessions.
package engine

import (
	"fmt"
	"strings"
)

// ProviderKind selects the wire format for requests and responses.
// Providers are never distinguished by runtime type inspection, only by
// this tag.
type ProviderKind string

const (
	// KindOpenAI is the OpenAI-compatible chat completions format. Works
	// with OpenAI, Groq, OpenRouter, local servers, and most proxies.
	KindOpenAI ProviderKind = "openai"

	// KindAnthropic is the Anthropic Messages API format.
	KindAnthropic ProviderKind = "anthropic"
)

// AuthScheme selects the credential header for a provider.
type AuthScheme string

const (
	AuthBearer AuthScheme = "bearer"    // Authorization: Bearer <key>
	AuthAPIKey AuthScheme = "x-api-key" // x-api-key: <key> (Anthropic)
)

// ProviderDescriptor describes one configured provider endpoint. Immutable
// for the process lifetime.
type ProviderDescriptor struct {
	ID                string
	Kind              ProviderKind
	Endpoint          string // full chat endpoint URL
	AuthScheme        AuthScheme
	APIKey            string
	ModelsByCategory  map[TaskCategory]string
	SupportsStreaming bool
}

// Route pairs a provider with the concrete model to use for one category.
type Route struct {
	Provider *ProviderDescriptor
	Model    string
}

// Catalog is the ordered provider table. The config order defines the
// failover chain: first matching provider is primary, the rest are fallbacks.
type Catalog struct {
	providers []*ProviderDescriptor
}

// NewCatalog builds the catalog from config. Provider entries with no models
// at all are rejected early so misconfiguration fails at startup, not
// mid-conversation.
func NewCatalog(cfg *Config) (*Catalog, error) {
	var providers []*ProviderDescriptor

	for _, pc := range cfg.Providers {
		if pc.ID == "" {
			return nil, fmt.Errorf("provider entry missing id")
		}
		if len(pc.Models) == 0 {
			return nil, fmt.Errorf("provider %q has no models configured", pc.ID)
		}

		kind := ProviderKind(pc.Kind)
		if kind == "" {
			kind = KindOpenAI
		}
		if kind != KindOpenAI && kind != KindAnthropic {
			return nil, fmt.Errorf("provider %q: unknown kind %q", pc.ID, pc.Kind)
		}

		models := make(map[TaskCategory]string, len(pc.Models))
		for label, model := range pc.Models {
			models[ParseTaskCategory(label)] = model
		}

		providers = append(providers, &ProviderDescriptor{
			ID:                pc.ID,
			Kind:              kind,
			Endpoint:          chatEndpoint(pc.BaseURL, kind),
			AuthScheme:        authScheme(pc.AuthScheme, kind),
			APIKey:            pc.APIKey,
			ModelsByCategory:  models,
			SupportsStreaming: pc.Streaming == nil || *pc.Streaming,
		})
	}

	return &Catalog{providers: providers}, nil
}

// Resolve returns the ordered route chain for a category: primary first,
// then fallbacks. A provider contributes a route when it has a model for the
// category, or a text model to fall back on — except vision, which requires
// a vision-capable model whenever inline images exist.
func (c *Catalog) Resolve(category TaskCategory) ([]Route, error) {
	var routes []Route

	for _, p := range c.providers {
		if model, ok := p.ModelsByCategory[category]; ok {
			routes = append(routes, Route{Provider: p, Model: model})
			continue
		}
		if category == CategoryVision {
			continue // no generic fallback for image-bearing turns
		}
		if model, ok := p.ModelsByCategory[CategoryText]; ok {
			routes = append(routes, Route{Provider: p, Model: model})
		}
	}

	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoProviderConfigured, category)
	}
	return routes, nil
}

// Providers returns the configured provider count, for health reporting.
func (c *Catalog) Providers() int {
	return len(c.providers)
}

// chatEndpoint derives the chat endpoint URL from a base URL and kind.
func chatEndpoint(baseURL string, kind ProviderKind) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		if kind == KindAnthropic {
			base = "https://api.anthropic.com/v1"
		} else {
			base = "https://api.openai.com/v1"
		}
	}
	if kind == KindAnthropic {
		return base + "/messages"
	}
	return base + "/chat/completions"
}

// authScheme applies the kind-specific default when no scheme is configured.
func authScheme(configured string, kind ProviderKind) AuthScheme {
	switch configured {
	case string(AuthBearer):
		return AuthBearer
	case string(AuthAPIKey):
		return AuthAPIKey
	}
	if kind == KindAnthropic {
		return AuthAPIKey
	}
	return AuthBearer
}
