package gateway

import "strings"

// TrustedOriginFilter is an exact-match allow-list of message origins.
type TrustedOriginFilter struct {
	allowed map[string]struct{}
}

// NewTrustedOriginFilter trusts the gateway origins plus the storefront's own.
func NewTrustedOriginFilter(gatewayOrigins []string, ownOrigin string) *TrustedOriginFilter {
	f := &TrustedOriginFilter{allowed: make(map[string]struct{})}
	for _, o := range gatewayOrigins {
		f.add(o)
	}
	f.add(ownOrigin)
	return f
}

func (f *TrustedOriginFilter) add(origin string) {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	if origin != "" {
		f.allowed[origin] = struct{}{}
	}
}

// Allow reports whether origin is trusted. Empty origins never are.
func (f *TrustedOriginFilter) Allow(origin string) bool {
	if origin == "" {
		return false
	}
	_, ok := f.allowed[strings.TrimRight(origin, "/")]
	return ok
}
