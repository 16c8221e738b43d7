// Package theme manages runtime overrides of the design-system CSS custom
// properties. Only the fixed variable set below may be overridden.
package theme

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Var string

const (
	Background               Var = "--background"
	Foreground               Var = "--foreground"
	Card                     Var = "--card"
	CardForeground           Var = "--card-foreground"
	Popover                  Var = "--popover"
	PopoverForeground        Var = "--popover-foreground"
	Primary                  Var = "--primary"
	PrimaryForeground        Var = "--primary-foreground"
	Secondary                Var = "--secondary"
	SecondaryForeground      Var = "--secondary-foreground"
	Muted                    Var = "--muted"
	MutedForeground          Var = "--muted-foreground"
	Accent                   Var = "--accent"
	AccentForeground         Var = "--accent-foreground"
	Destructive              Var = "--destructive"
	DestructiveForeground    Var = "--destructive-foreground"
	Border                   Var = "--border"
	Input                    Var = "--input"
	Ring                     Var = "--ring"
	Radius                   Var = "--radius"
	Sidebar                  Var = "--sidebar"
	SidebarForeground        Var = "--sidebar-foreground"
	SidebarPrimary           Var = "--sidebar-primary"
	SidebarPrimaryForeground Var = "--sidebar-primary-foreground"
	SidebarAccent            Var = "--sidebar-accent"
	SidebarAccentForeground  Var = "--sidebar-accent-foreground"
	SidebarBorder            Var = "--sidebar-border"
	SidebarRing              Var = "--sidebar-ring"
)

var knownVars = []Var{
	Background, Foreground, Card, CardForeground, Popover, PopoverForeground,
	Primary, PrimaryForeground, Secondary, SecondaryForeground, Muted, MutedForeground,
	Accent, AccentForeground, Destructive, DestructiveForeground, Border, Input, Ring, Radius,
	Sidebar, SidebarForeground, SidebarPrimary, SidebarPrimaryForeground,
	SidebarAccent, SidebarAccentForeground, SidebarBorder, SidebarRing,
}

var knownSet = func() map[Var]struct{} {
	m := make(map[Var]struct{}, len(knownVars))
	for _, v := range knownVars {
		m[v] = struct{}{}
	}
	return m
}()

// Vars returns the overridable variables in declaration order.
func Vars() []Var {
	return append([]Var(nil), knownVars...)
}

func (v Var) Known() bool {
	_, ok := knownSet[v]
	return ok
}

type Mode string

const (
	ModeLight  Mode = "light"
	ModeDark   Mode = "dark"
	ModeSystem Mode = "system"
)

// ResolveMode maps system to light or dark. Unknown modes resolve like system.
func ResolveMode(m Mode, systemPrefersDark bool) Mode {
	switch m {
	case ModeLight, ModeDark:
		return m
	case ModeSystem:
	}
	if systemPrefersDark {
		return ModeDark
	}
	return ModeLight
}

// Config is a named theme with per-mode overrides.
type Config struct {
	Name  string         `yaml:"name" json:"name"`
	Light map[Var]string `yaml:"light" json:"light"`
	Dark  map[Var]string `yaml:"dark" json:"dark"`
}

func (c Config) Validate() error {
	var unknown []string
	for _, m := range []map[Var]string{c.Light, c.Dark} {
		for k := range m {
			if !k.Known() {
				unknown = append(unknown, string(k))
			}
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errors.Errorf("theme %q: unknown variables: %s", c.Name, strings.Join(unknown, ", "))
	}
	return nil
}

func (c Config) forMode(m Mode) map[Var]string {
	if m == ModeDark {
		return c.Dark
	}
	return c.Light
}

func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read theme %s", path)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrapf(err, "parse theme %s", path)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Applier holds the active overrides. It is safe for concurrent use.
type Applier struct {
	mu     sync.RWMutex
	name   string
	mode   Mode
	values map[Var]string
}

func NewApplier() *Applier {
	return &Applier{values: map[Var]string{}}
}

// Apply replaces the active overrides with the values of c for mode, which must be light or dark.
// Unknown variables reject the whole config.
func (a *Applier) Apply(c Config, mode Mode) error {
	if mode != ModeLight && mode != ModeDark {
		return errors.Errorf("theme mode %q must be resolved to light or dark", mode)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	values := map[Var]string{}
	for k, v := range c.forMode(mode) {
		if strings.TrimSpace(v) == "" {
			continue
		}
		values[k] = v
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name, a.mode, a.values = c.Name, mode, values
	return nil
}

// Clear removes every override.
func (a *Applier) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name, a.mode = "", ""
	a.values = map[Var]string{}
}

func (a *Applier) Active() (string, Mode) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.name, a.mode
}

func (a *Applier) Values() map[Var]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[Var]string, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}

// CSS renders the overrides as one rule, variables in declaration order.
func (a *Applier) CSS(selector string) string {
	if selector == "" {
		selector = ":root"
	}
	values := a.Values()
	var b strings.Builder
	b.WriteString(selector)
	b.WriteString(" {\n")
	for _, k := range knownVars {
		v, ok := values[k]
		if !ok {
			continue
		}
		b.WriteString("  ")
		b.WriteString(string(k))
		b.WriteString(": ")
		b.WriteString(sanitize(v))
		b.WriteString(";\n")
	}
	b.WriteString("}\n")
	return b.String()
}

// sanitize keeps a value from closing the declaration or the rule.
func sanitize(v string) string {
	return strings.NewReplacer(";", "", "{", "", "}", "", "\n", " ", "<", "").Replace(strings.TrimSpace(v))
}

// Default is the stock palette served when no theme file is configured.
func Default() Config {
	return Config{
		Name: "default",
		Light: map[Var]string{
			Background:        "oklch(1 0 0)",
			Foreground:        "oklch(0.145 0 0)",
			Primary:           "oklch(0.205 0 0)",
			PrimaryForeground: "oklch(0.985 0 0)",
			Muted:             "oklch(0.97 0 0)",
			Border:            "oklch(0.922 0 0)",
			Radius:            "0.625rem",
			Sidebar:           "oklch(0.985 0 0)",
			SidebarAccent:     "oklch(0.97 0 0)",
		},
		Dark: map[Var]string{
			Background:        "oklch(0.145 0 0)",
			Foreground:        "oklch(0.985 0 0)",
			Primary:           "oklch(0.922 0 0)",
			PrimaryForeground: "oklch(0.205 0 0)",
			Muted:             "oklch(0.269 0 0)",
			Border:            "oklch(1 0 0 / 10%)",
			Radius:            "0.625rem",
			Sidebar:           "oklch(0.205 0 0)",
			SidebarAccent:     "oklch(0.269 0 0)",
		},
	}
}
