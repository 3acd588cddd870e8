// Package urls computes the engine's effective HTTP base path and
// WebSocket endpoints from layered override sources, accounting for a
// path-rewriting reverse proxy in front of the engine.
package urls

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// BuildBase is an optional build-time base override, set via
//
//	go build -ldflags "-X github.com/taskmgr818/automl-console/internal/urls.BuildBase=/lab/automl/"
var BuildBase string

// proxyPrefixRe matches a reverse-proxy path prefix of the form
// /<segment>/<host>/<port>, anchored at the start of the path. The match
// stops at the first slash after the port token so a trailing job id or
// asset path never bleeds into the prefix.
var proxyPrefixRe = regexp.MustCompile(`^(/[^/]+/[^/]+/[0-9]+)(/|$)`)

// Resolver resolves endpoints relative to one engine location. Precedence,
// highest first: query override on the location URL (?base= / ?ws=),
// runtime configuration, build-time value, proxy-prefix inference from the
// location path, root.
//
// A Resolver is immutable; resolving twice with the same inputs yields
// byte-identical results.
type Resolver struct {
	location    *url.URL
	runtimeBase string
	runtimeWS   string
	buildBase   string
}

// NewResolver parses location (the URL the console is pointed at) and
// captures the runtime overrides. An empty override means "not set".
func NewResolver(location, runtimeBase, runtimeWS string) (*Resolver, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse location %q: %w", location, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("location %q: scheme must be http or https", location)
	}
	return &Resolver{
		location:    u,
		runtimeBase: runtimeBase,
		runtimeWS:   runtimeWS,
		buildBase:   BuildBase,
	}, nil
}

// Base returns the effective HTTP base path, always ending in "/".
func (r *Resolver) Base() string {
	providers := []func() string{
		func() string { return r.location.Query().Get("base") },
		func() string { return r.runtimeBase },
		func() string { return r.buildBase },
		r.inferredPrefix,
	}
	for _, p := range providers {
		if v := p(); v != "" {
			return ensureTrailingSlash(v)
		}
	}
	return "/"
}

func (r *Resolver) inferredPrefix() string {
	m := proxyPrefixRe.FindStringSubmatch(r.location.Path)
	if m == nil {
		return ""
	}
	return m[1]
}

// Endpoint returns the absolute HTTP URL for a named path under the
// resolved base.
func (r *Resolver) Endpoint(name string) string {
	return joinPath(r.absoluteBase(), name)
}

// wsOverride returns the explicit WebSocket override, query form first.
func (r *Resolver) wsOverride() string {
	if v := r.location.Query().Get("ws"); v != "" {
		return v
	}
	return r.runtimeWS
}

// ControlSocketURL returns the WebSocket URL for the control channel. An
// explicit ?ws= override on the location, or a runtime ws override, names
// the control channel and is returned verbatim; otherwise the URL derives
// from the resolved base like SocketURL.
func (r *Resolver) ControlSocketURL(name string) string {
	if v := r.wsOverride(); v != "" {
		return v
	}
	return r.SocketURL(name)
}

// SocketURL returns the WebSocket URL for a named endpoint served next to
// the control channel, such as the log tail. A ws override names the
// control channel only, so siblings keep the override's scheme, host and
// parent path but swap in their own endpoint name; without an override the
// URL derives from the resolved base with the scheme substituted
// (http→ws, https→wss).
func (r *Resolver) SocketURL(name string) string {
	if v := r.wsOverride(); v != "" {
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			dir := path.Dir(u.Path)
			if dir == "." {
				dir = "/"
			}
			u.Path = joinPath(dir, name)
			u.RawQuery = ""
			return u.String()
		}
	}
	u, err := url.Parse(joinPath(r.absoluteBase(), name))
	if err != nil {
		// absoluteBase is built from an already-parsed URL; an explicit
		// base override that cannot be parsed falls back to string surgery.
		return "ws" + strings.TrimPrefix(joinPath(r.absoluteBase(), name), "http")
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// absoluteBase resolves the base against the location's scheme and host
// when the base is a bare path. Absolute overrides pass through untouched.
func (r *Resolver) absoluteBase() string {
	base := r.Base()
	if strings.Contains(base, "://") {
		return base
	}
	return r.location.Scheme + "://" + r.location.Host + base
}

// joinPath joins base and p with exactly one "/" regardless of leading or
// trailing slashes on either side.
func joinPath(base, p string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(p, "/")
}

func ensureTrailingSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
