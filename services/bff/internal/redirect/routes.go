package redirect

import (
	"net/url"
	"strings"
)

// SessionView is the part of the session state that route gating needs.
type SessionView struct {
	Checked       bool
	Authenticated bool
}

type Action string

const (
	ActionRender   Action = "render"
	ActionWait     Action = "wait"
	ActionRedirect Action = "redirect"
)

// Decision is the outcome of resolving a frontend path.
type Decision struct {
	Action  Action            `json:"action"`
	Route   string            `json:"route,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	To      string            `json:"to,omitempty"`
	Replace bool              `json:"replace,omitempty"`
}

type route struct {
	pattern string
	gated   bool
}

var routes = []route{
	{pattern: "/"},
	{pattern: "/title/:id"},
	{pattern: "/library", gated: true},
	{pattern: "/settings", gated: true},
	{pattern: "/auth"},
	{pattern: "/dashboard"},
}

// ResolveRoute maps a frontend path onto the route table. Gated routes wait for
// the first session check and send anonymous users to /auth.
func ResolveRoute(path string, s SessionView) Decision {
	p := path
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		p = "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}

	for _, rt := range routes {
		params, ok := match(rt.pattern, p)
		if !ok {
			continue
		}
		if rt.gated {
			if !s.Checked {
				return Decision{Action: ActionWait, Route: rt.pattern}
			}
			if !s.Authenticated {
				return Decision{
					Action:  ActionRedirect,
					Route:   rt.pattern,
					To:      "/auth?redirect=" + url.QueryEscape(path),
					Replace: true,
				}
			}
		}
		return Decision{Action: ActionRender, Route: rt.pattern, Params: params}
	}

	to := "/"
	if s.Authenticated {
		to = "/dashboard"
	}
	return Decision{Action: ActionRedirect, To: to, Replace: true}
}

func match(pattern, p string) (map[string]string, bool) {
	if pattern == p {
		return nil, true
	}
	ps := strings.Split(strings.Trim(pattern, "/"), "/")
	xs := strings.Split(strings.Trim(p, "/"), "/")
	if len(ps) != len(xs) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range ps {
		if strings.HasPrefix(seg, ":") {
			if xs[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[seg[1:]] = xs[i]
			continue
		}
		if seg != xs[i] {
			return nil, false
		}
	}
	return params, true
}
