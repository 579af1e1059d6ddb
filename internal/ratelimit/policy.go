package ratelimit

import (
	"sort"
	"strings"
	"time"
)

// KeyBy selects which request identity a policy counts against.
type KeyBy string

const (
	// KeyByIP counts every request from the same origin IP together.
	KeyByIP KeyBy = "ip"
	// KeyByIdentity counts against the authenticated user, falling back to
	// the origin IP for anonymous requests.
	KeyByIdentity KeyBy = "identity"
)

// Policy is a named limit applied to a class of endpoints.
type Policy struct {
	Name   string        `mapstructure:"name"   json:"name"`
	Limit  int64         `mapstructure:"limit"  json:"limit"`
	Window time.Duration `mapstructure:"window" json:"window"`
	KeyBy  KeyBy         `mapstructure:"key_by" json:"key_by"`
}

// Preset policy names.
const (
	PolicyAuth      = "auth"
	PolicyAPI       = "api"
	PolicyUpload    = "upload"
	PolicyAdmin     = "admin"
	PolicySensitive = "sensitive"
)

// DefaultPolicies returns the platform's preset limits.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyAuth:      {Name: PolicyAuth, Limit: 10, Window: 15 * time.Minute, KeyBy: KeyByIP},
		PolicyAPI:       {Name: PolicyAPI, Limit: 100, Window: time.Minute, KeyBy: KeyByIdentity},
		PolicyUpload:    {Name: PolicyUpload, Limit: 10, Window: time.Minute, KeyBy: KeyByIdentity},
		PolicyAdmin:     {Name: PolicyAdmin, Limit: 200, Window: time.Minute, KeyBy: KeyByIdentity},
		PolicySensitive: {Name: PolicySensitive, Limit: 10, Window: time.Minute, KeyBy: KeyByIdentity},
	}
}

// DefaultRoutes maps platform path prefixes to preset policy names.
func DefaultRoutes() map[string]string {
	return map[string]string{
		"/api/v1/auth":                 PolicyAuth,
		"/api/v1/admin/security/token": PolicyAuth,
		"/api/v1/uploads":              PolicyUpload,
		"/api/v1/admin":                PolicyAdmin,
		"/api/v1/wallet":               PolicySensitive,
		"/api/v1/tournaments/register": PolicySensitive,
		"/api/v1/tournaments/withdraw": PolicySensitive,
		"/api/v1/prizes":               PolicySensitive,
		"/api/v1":                      PolicyAPI,
	}
}

type route struct {
	prefix string
	policy Policy
}

// Router picks the policy for a request path by longest matching prefix.
type Router struct {
	routes   []route
	fallback *Policy
}

// NewRouter builds a Router from prefix → policy-name routes. Routes naming
// an unknown policy are skipped. Paths matching no route use the policy
// named fallback, if any.
func NewRouter(policies map[string]Policy, routes map[string]string, fallback string) *Router {
	r := &Router{}
	for prefix, name := range routes {
		p, ok := policies[name]
		if !ok {
			continue
		}
		if p.Name == "" {
			p.Name = name
		}
		r.routes = append(r.routes, route{prefix: prefix, policy: p})
	}
	sort.Slice(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
	if p, ok := policies[fallback]; ok {
		if p.Name == "" {
			p.Name = fallback
		}
		r.fallback = &p
	}
	return r
}

// Match returns the policy governing path.
func (r *Router) Match(path string) (Policy, bool) {
	for _, rt := range r.routes {
		if strings.HasPrefix(path, rt.prefix) {
			return rt.policy, true
		}
	}
	if r.fallback != nil {
		return *r.fallback, true
	}
	return Policy{}, false
}
