// Package proxy resolves a client-supplied model identifier to a concrete
// provider/model pair and enforces the configured route whitelist before a
// request reaches the router engine.
package proxy

import "strings"

// Identifier is a parsed "provider:model" or "provider/model" reference.
// Provider is empty when the client supplied a bare model name, in which
// case Resolve falls back to registry lookup and the configured default
// provider.
type Identifier struct {
	Provider string
	Model    string
}

// ParseIdentifier splits a client-supplied model string on the first ':'
// or '/' separator. A bare name with neither separator yields an empty
// Provider.
func ParseIdentifier(raw string) Identifier {
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		return Identifier{Provider: raw[:idx], Model: raw[idx+1:]}
	}
	if idx := strings.IndexByte(raw, '/'); idx >= 0 {
		return Identifier{Provider: raw[:idx], Model: raw[idx+1:]}
	}
	return Identifier{Model: raw}
}

// Registry looks up provider_id for a bare model name, the way the router
// engine's model table keys provider_id by model ID.
type Registry interface {
	ProviderForModel(model string) (string, bool)
}

// Route is one entry in the route whitelist: the set of (provider, model)
// pairs a virtual model identifier is allowed to resolve to.
type Route struct {
	VirtualModel string
	Provider     string
	Model        string
}

// Router resolves client model identifiers against a route whitelist and a
// model registry, rejecting anything not explicitly allowed once a
// whitelist is configured.
type Router struct {
	DefaultProvider string
	Registry        Registry
	routes          map[string][]Route // keyed by virtual model, empty map = no whitelist
}

// NewRouter builds a Router with no whitelist configured (any resolvable
// identifier is allowed).
func NewRouter(defaultProvider string, registry Registry) *Router {
	return &Router{DefaultProvider: defaultProvider, Registry: registry, routes: make(map[string][]Route)}
}

// AddRoute whitelists a (provider, model) pair for a virtual model name.
// Once any route is added, Resolve rejects identifiers that are
// not an explicit match for some virtual model.
func (r *Router) AddRoute(route Route) {
	r.routes[route.VirtualModel] = append(r.routes[route.VirtualModel], route)
}

// ErrRouteNotAllowed is returned when a whitelist is configured and the
// requested identifier doesn't match any configured route.
type ErrRouteNotAllowed struct {
	Requested string
}

func (e *ErrRouteNotAllowed) Error() string {
	return "model route not allowed: " + e.Requested
}

// Resolve turns a client-supplied model string into a concrete
// (provider, model) pair. When a route whitelist is configured it is the
// only source: a virtual-model name resolves to its first route, an
// explicit "provider:model" or "provider/model" resolves only if some route
// lists that exact pair, and anything else is rejected. With no whitelist
// the order is explicit syntax, then registry lookup, then the default
// provider.
func (r *Router) Resolve(raw string) (provider, model string, err error) {
	id := ParseIdentifier(raw)

	if len(r.routes) > 0 {
		if routes, ok := r.routes[raw]; ok && len(routes) > 0 {
			chosen := routes[0]
			return chosen.Provider, chosen.Model, nil
		}
		if id.Provider != "" {
			for _, routes := range r.routes {
				for _, rt := range routes {
					if rt.Provider == id.Provider && rt.Model == id.Model {
						return rt.Provider, rt.Model, nil
					}
				}
			}
		}
		return "", "", &ErrRouteNotAllowed{Requested: raw}
	}

	if id.Provider != "" {
		return id.Provider, id.Model, nil
	}

	if r.Registry != nil {
		if p, ok := r.Registry.ProviderForModel(id.Model); ok {
			return p, id.Model, nil
		}
	}

	if r.DefaultProvider != "" {
		return r.DefaultProvider, id.Model, nil
	}

	return "", "", &ErrRouteNotAllowed{Requested: raw}
}
