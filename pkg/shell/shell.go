// Package shell computes the application shell: visible navigation, the
// active tab for a path, the auth gate and the sidebar/theme preferences.
package shell

import (
	"net/url"
	"strings"

	"github.com/go-go-golems/chatshell/pkg/auth"
	"github.com/go-go-golems/chatshell/pkg/prefs"
)

type NavItem struct {
	ID       string    `json:"id" yaml:"id"`
	Label    string    `json:"label" yaml:"label"`
	Path     string    `json:"path" yaml:"path"`
	Icon     string    `json:"icon,omitempty" yaml:"icon,omitempty"`
	Roles    []string  `json:"roles,omitempty" yaml:"roles,omitempty"`
	Children []NavItem `json:"children,omitempty" yaml:"children,omitempty"`
}

// visibleTo reports whether u may see the item. Items without roles are public.
func (n NavItem) visibleTo(u *auth.User) bool {
	if len(n.Roles) == 0 {
		return true
	}
	for _, r := range n.Roles {
		if u.HasRole(r) {
			return true
		}
	}
	return false
}

type Navigation struct {
	Items []NavItem `json:"items" yaml:"items"`
}

func DefaultNavigation() Navigation {
	return Navigation{Items: []NavItem{
		{ID: "home", Label: "Home", Path: "/", Icon: "home"},
		{ID: "chat", Label: "Chat", Path: "/chat", Icon: "message-square"},
		{ID: "history", Label: "History", Path: "/chat/history", Icon: "history"},
		{ID: "settings", Label: "Settings", Path: "/settings", Icon: "settings", Children: []NavItem{
			{ID: "appearance", Label: "Appearance", Path: "/settings/appearance"},
			{ID: "admin", Label: "Administration", Path: "/settings/admin", Roles: []string{"admin"}},
		}},
	}}
}

// VisibleTo returns the items u may see. Children of hidden items are hidden too.
func (n Navigation) VisibleTo(u *auth.User) Navigation {
	return Navigation{Items: filterItems(n.Items, u)}
}

func filterItems(items []NavItem, u *auth.User) []NavItem {
	var out []NavItem
	for _, it := range items {
		if !it.visibleTo(u) {
			continue
		}
		it.Children = filterItems(it.Children, u)
		out = append(out, it)
	}
	return out
}

// matches reports whether prefix covers path on a segment boundary.
func matches(prefix, path string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Active returns the item whose path is the longest prefix of path.
func (n Navigation) Active(path string) (NavItem, bool) {
	if path == "" {
		path = "/"
	}
	var best NavItem
	found := false
	var walk func([]NavItem)
	walk = func(items []NavItem) {
		for _, it := range items {
			if it.Path != "" && matches(it.Path, path) && (!found || len(it.Path) > len(best.Path)) {
				best, found = it, true
			}
			walk(it.Children)
		}
	}
	walk(n.Items)
	return best, found
}

type Decision struct {
	Allowed    bool   `json:"allowed"`
	RedirectTo string `json:"redirect_to,omitempty"`
}

// Gate lets anonymous users reach only the login page and public paths.
type Gate struct {
	LoginPath string
	Public    []string
}

func DefaultGate() Gate {
	return Gate{LoginPath: "/login", Public: []string{"/healthz", "/api/theme.css"}}
}

func (g Gate) Check(u *auth.User, path string) Decision {
	if u != nil {
		return Decision{Allowed: true}
	}
	login := g.LoginPath
	if login == "" {
		login = "/login"
	}
	if matches(login, path) {
		return Decision{Allowed: true}
	}
	for _, p := range g.Public {
		if matches(p, path) {
			return Decision{Allowed: true}
		}
	}
	return Decision{RedirectTo: login + "?next=" + url.QueryEscape(path)}
}

type State struct {
	Nav              []NavItem   `json:"nav"`
	Active           string      `json:"active,omitempty"`
	SidebarCollapsed bool        `json:"sidebar_collapsed"`
	Theme            prefs.Theme `json:"theme"`
	User             *auth.User  `json:"user"`
	Gate             Decision    `json:"gate"`
}

// Build assembles the shell state for a request path.
func Build(nav Navigation, gate Gate, u *auth.User, path string, p prefs.Snapshot) State {
	visible := nav.VisibleTo(u)
	st := State{
		Nav:              visible.Items,
		SidebarCollapsed: p.SidebarCollapsed,
		Theme:            p.Theme,
		User:             u,
		Gate:             gate.Check(u, path),
	}
	if it, ok := visible.Active(path); ok {
		st.Active = it.ID
	}
	return st
}
