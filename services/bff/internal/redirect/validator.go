// Package redirect validates navigation targets against the frontend origin so
// that post-auth and sign-out redirects can only land on same-origin paths.
package redirect

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// DefaultPrefixes are the path prefixes a redirect may land on.
var DefaultPrefixes = []string{"/", "/auth", "/library", "/title", "/health"}

var blockedSchemes = []string{"javascript:", "data:", "vbscript:"}

type Validator struct {
	origin   *url.URL
	prefixes []string
	log      *zap.Logger
}

// NewValidator builds a Validator for origin (scheme://host). Nil prefixes select DefaultPrefixes.
func NewValidator(origin string, prefixes []string, log *zap.Logger) (*Validator, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("redirect: invalid origin %q", origin)
	}
	if prefixes == nil {
		prefixes = DefaultPrefixes
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{
		origin:   &url.URL{Scheme: strings.ToLower(u.Scheme), Host: strings.ToLower(u.Host)},
		prefixes: prefixes,
		log:      log,
	}, nil
}

// Origin returns scheme://host.
func (v *Validator) Origin() string {
	return v.origin.Scheme + "://" + v.origin.Host
}

// IsSafeRedirect reports whether target stays on the frontend origin under an allowed prefix.
func (v *Validator) IsSafeRedirect(target string) bool {
	t := strings.TrimSpace(target)
	if t == "" {
		return false
	}
	lower := strings.ToLower(t)
	for _, s := range blockedSchemes {
		if strings.HasPrefix(lower, s) {
			return false
		}
	}
	if strings.HasPrefix(t, "#") || strings.HasPrefix(t, "?") {
		return true
	}
	u, ok := v.resolve(t)
	if !ok {
		return false
	}
	if strings.ToLower(u.Scheme) != v.origin.Scheme || strings.ToLower(u.Host) != v.origin.Host {
		return false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	for _, prefix := range v.prefixes {
		if prefix == "/" && strings.HasPrefix(p, "/") {
			return true
		}
		trimmed := strings.TrimSuffix(prefix, "/")
		if p == prefix || p == trimmed || strings.HasPrefix(p, trimmed+"/") {
			return true
		}
	}
	return false
}

// NormalizeToPath reduces target to path+query+fragment, or fallback when empty or unparsable.
func (v *Validator) NormalizeToPath(target, fallback string) string {
	t := strings.TrimSpace(target)
	if t == "" {
		return fallback
	}
	u, ok := v.resolve(t)
	if !ok {
		return fallback
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		p += "#" + u.EscapedFragment()
	}
	return p
}

// SafeRedirectFromQuery reads param from rawQuery and returns it normalized when safe.
func (v *Validator) SafeRedirectFromQuery(rawQuery, param, fallback string) string {
	if param == "" {
		param = "redirect"
	}
	q, err := url.ParseQuery(strings.TrimPrefix(rawQuery, "?"))
	if err != nil {
		return fallback
	}
	target := q.Get(param)
	if !v.IsSafeRedirect(target) {
		return fallback
	}
	return v.NormalizeToPath(target, fallback)
}

// BuildRedirectTo returns the absolute URL used as the sign-up confirmation target.
func (v *Validator) BuildRedirectTo(next string) string {
	p := "/"
	if v.IsSafeRedirect(next) {
		p = v.NormalizeToPath(next, "/")
	}
	return v.Origin() + p
}

// resolve parses t relative to the origin. Tabs and newlines are stripped and
// backslashes read as slashes, the way browsers parse hierarchical URLs.
func (v *Validator) resolve(t string) (*url.URL, bool) {
	t = strings.NewReplacer("\t", "", "\n", "", "\r", "", `\`, "/").Replace(t)
	ref, err := url.Parse(t)
	if err != nil {
		return nil, false
	}
	return v.origin.ResolveReference(ref), true
}
