package redirect

import "testing"

func TestResolveRoute(t *testing.T) {
	anon := SessionView{Checked: true}
	authed := SessionView{Checked: true, Authenticated: true}

	tests := []struct {
		name string
		path string
		s    SessionView
		want Decision
	}{
		{"home", "/", anon, Decision{Action: ActionRender, Route: "/"}},
		{"gated waits", "/library", SessionView{}, Decision{Action: ActionWait, Route: "/library"}},
		{"gated anonymous", "/library", anon, Decision{Action: ActionRedirect, Route: "/library", To: "/auth?redirect=%2Flibrary", Replace: true}},
		{"gated signed in", "/settings", authed, Decision{Action: ActionRender, Route: "/settings"}},
		{"unknown anonymous", "/nope", anon, Decision{Action: ActionRedirect, To: "/", Replace: true}},
		{"unknown signed in", "/nope", authed, Decision{Action: ActionRedirect, To: "/dashboard", Replace: true}},
		{"trailing slash", "/auth/", anon, Decision{Action: ActionRender, Route: "/auth"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveRoute(tt.path, tt.s)
			if got.Action != tt.want.Action || got.Route != tt.want.Route || got.To != tt.want.To || got.Replace != tt.want.Replace {
				t.Fatalf("ResolveRoute(%q) = %+v, want %+v", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolveRoute_Params(t *testing.T) {
	got := ResolveRoute("/title/42?tab=reviews", SessionView{Checked: true})
	if got.Action != ActionRender || got.Route != "/title/:id" || got.Params["id"] != "42" {
		t.Fatalf("got %+v", got)
	}
}
