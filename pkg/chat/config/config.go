// Package config holds the typed chat widget configuration.
//
// Configuration is a plain struct with explicit defaults. Partial updates go
// through Patch and Config.Apply, which returns a new validated value and never
// mutates the receiver.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

type Labels struct {
	Send          string `json:"send" yaml:"send"`
	Stop          string `json:"stop" yaml:"stop"`
	Attach        string `json:"attach" yaml:"attach"`
	NewChat       string `json:"new_chat" yaml:"new_chat"`
	History       string `json:"history" yaml:"history"`
	Retry         string `json:"retry" yaml:"retry"`
	Placeholder   string `json:"placeholder" yaml:"placeholder"`
	ErrorTitle    string `json:"error_title" yaml:"error_title"`
	FirstRunTitle string `json:"first_run_title" yaml:"first_run_title"`
}

func (l *Labels) fields() map[string]*string {
	return map[string]*string{
		"send":            &l.Send,
		"stop":            &l.Stop,
		"attach":          &l.Attach,
		"new_chat":        &l.NewChat,
		"history":         &l.History,
		"retry":           &l.Retry,
		"placeholder":     &l.Placeholder,
		"error_title":     &l.ErrorTitle,
		"first_run_title": &l.FirstRunTitle,
	}
}

// Override returns a copy with the given labels replaced. Unknown keys are rejected.
func (l Labels) Override(overrides map[string]string) (Labels, error) {
	out := l
	fields := out.fields()
	var unknown []string
	for k, v := range overrides {
		dst, ok := fields[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		*dst = v
	}
	if len(unknown) > 0 {
		return l, errors.Errorf("unknown label keys: %s", strings.Join(sortedCopy(unknown), ", "))
	}
	return out, nil
}

type AttachmentPolicy struct {
	MIMETypes    []string `json:"mime_types,omitempty" yaml:"mime_types,omitempty"`
	Extensions   []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	MaxSizeBytes int64    `json:"max_size_bytes,omitempty" yaml:"max_size_bytes,omitempty"`
	MaxCount     int      `json:"max_count,omitempty" yaml:"max_count,omitempty"`
}

// Allows checks a single attachment. Empty MIME and extension lists allow any type.
func (p AttachmentPolicy) Allows(name, mimeType string, size int64) error {
	if p.MaxSizeBytes > 0 && size > p.MaxSizeBytes {
		return errors.Errorf("attachment %q is %d bytes, limit is %d", name, size, p.MaxSizeBytes)
	}
	if len(p.MIMETypes) == 0 && len(p.Extensions) == 0 {
		return nil
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	for _, allowed := range p.MIMETypes {
		allowed = strings.ToLower(allowed)
		if allowed == mimeType {
			return nil
		}
		if prefix, ok := strings.CutSuffix(allowed, "/*"); ok && strings.HasPrefix(mimeType, prefix+"/") {
			return nil
		}
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range p.Extensions {
		allowed = strings.ToLower(allowed)
		if !strings.HasPrefix(allowed, ".") {
			allowed = "." + allowed
		}
		if ext != "" && ext == allowed {
			return nil
		}
	}
	return errors.Errorf("attachment %q (%s) is not an allowed type", name, mimeType)
}

func (p AttachmentPolicy) AllowsCount(n int) error {
	if p.MaxCount > 0 && n > p.MaxCount {
		return errors.Errorf("%d attachments exceed the limit of %d", n, p.MaxCount)
	}
	return nil
}

func (p AttachmentPolicy) validate() []string {
	var problems []string
	if p.MaxSizeBytes < 0 {
		problems = append(problems, "allowed_attachments.max_size_bytes is negative")
	}
	if p.MaxCount < 0 {
		problems = append(problems, "allowed_attachments.max_count is negative")
	}
	for _, m := range p.MIMETypes {
		parts := strings.Split(m, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			problems = append(problems, fmt.Sprintf("allowed_attachments: malformed mime type %q", m))
		}
	}
	return problems
}

type FirstRun struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Title       string            `json:"title,omitempty" yaml:"title,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Suggestions []chat.Suggestion `json:"suggestions,omitempty" yaml:"suggestions,omitempty"`
}

type Config struct {
	Title              string           `json:"title" yaml:"title"`
	Placeholder        string           `json:"placeholder" yaml:"placeholder"`
	Labels             Labels           `json:"labels" yaml:"labels"`
	DisabledFeatures   FeatureSet       `json:"disabled_features" yaml:"disabled_features"`
	AllowedAttachments AttachmentPolicy `json:"allowed_attachments" yaml:"allowed_attachments"`
	FirstRun           FirstRun         `json:"first_run" yaml:"first_run"`
	Models             []chat.Model     `json:"models,omitempty" yaml:"models,omitempty"`
	SelectedModel      string           `json:"selected_model,omitempty" yaml:"selected_model,omitempty"`
	AgentModes         []chat.AgentMode `json:"agent_modes,omitempty" yaml:"agent_modes,omitempty"`
	SelectedAgentMode  string           `json:"selected_agent_mode,omitempty" yaml:"selected_agent_mode,omitempty"`
	StreamThrottle     time.Duration    `json:"stream_throttle" yaml:"stream_throttle"`
}

func DefaultLabels() Labels {
	return Labels{
		Send:          "Send",
		Stop:          "Stop",
		Attach:        "Attach file",
		NewChat:       "New chat",
		History:       "History",
		Retry:         "Retry",
		Placeholder:   "Ask anything",
		ErrorTitle:    "Something went wrong",
		FirstRunTitle: "How can I help?",
	}
}

func Default() Config {
	return Config{
		Title:            "Assistant",
		Placeholder:      "Ask anything",
		Labels:           DefaultLabels(),
		DisabledFeatures: FeatureSet{},
		AllowedAttachments: AttachmentPolicy{
			MIMETypes:    []string{"image/*", "application/pdf", "text/plain"},
			MaxSizeBytes: 10 << 20,
			MaxCount:     5,
		},
		FirstRun:       FirstRun{Enabled: true},
		StreamThrottle: 250 * time.Millisecond,
	}
}

func (c Config) Clone() Config {
	out := c
	out.DisabledFeatures = c.DisabledFeatures.Clone()
	out.AllowedAttachments.MIMETypes = append([]string(nil), c.AllowedAttachments.MIMETypes...)
	out.AllowedAttachments.Extensions = append([]string(nil), c.AllowedAttachments.Extensions...)
	out.FirstRun.Suggestions = append([]chat.Suggestion(nil), c.FirstRun.Suggestions...)
	out.Models = append([]chat.Model(nil), c.Models...)
	out.AgentModes = append([]chat.AgentMode(nil), c.AgentModes...)
	return out
}

func (c Config) FeatureEnabled(f Feature) bool {
	return !c.DisabledFeatures.Has(f)
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid chat config: " + strings.Join(e.Problems, "; ")
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Title) == "" {
		problems = append(problems, "title is empty")
	}
	if c.StreamThrottle < 0 {
		problems = append(problems, "stream_throttle is negative")
	}
	problems = append(problems, c.AllowedAttachments.validate()...)

	modelIDs := map[string]struct{}{}
	for i, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			problems = append(problems, fmt.Sprintf("models[%d]: id is empty", i))
			continue
		}
		if _, dup := modelIDs[m.ID]; dup {
			problems = append(problems, fmt.Sprintf("models: duplicate id %q", m.ID))
		}
		modelIDs[m.ID] = struct{}{}
	}
	if c.SelectedModel != "" {
		if _, ok := modelIDs[c.SelectedModel]; !ok {
			problems = append(problems, fmt.Sprintf("selected_model %q is not in models", c.SelectedModel))
		}
	}

	modeIDs := map[string]struct{}{}
	for i, m := range c.AgentModes {
		if strings.TrimSpace(m.ID) == "" {
			problems = append(problems, fmt.Sprintf("agent_modes[%d]: id is empty", i))
			continue
		}
		if _, dup := modeIDs[m.ID]; dup {
			problems = append(problems, fmt.Sprintf("agent_modes: duplicate id %q", m.ID))
		}
		modeIDs[m.ID] = struct{}{}
	}
	if c.SelectedAgentMode != "" {
		if _, ok := modeIDs[c.SelectedAgentMode]; !ok {
			problems = append(problems, fmt.Sprintf("selected_agent_mode %q is not in agent_modes", c.SelectedAgentMode))
		}
	}

	for i, s := range c.FirstRun.Suggestions {
		if strings.TrimSpace(s.Text) == "" {
			problems = append(problems, fmt.Sprintf("first_run.suggestions[%d]: text is empty", i))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Patch is a partial configuration update. Nil fields are left untouched.
type Patch struct {
	Title              *string           `json:"title,omitempty"`
	Placeholder        *string           `json:"placeholder,omitempty"`
	Labels             map[string]string `json:"labels,omitempty"`
	DisabledFeatures   *FeatureSet       `json:"disabled_features,omitempty"`
	AllowedAttachments *AttachmentPolicy `json:"allowed_attachments,omitempty"`
	FirstRun           *FirstRun         `json:"first_run,omitempty"`
	Models             *[]chat.Model     `json:"models,omitempty"`
	SelectedModel      *string           `json:"selected_model,omitempty"`
	AgentModes         *[]chat.AgentMode `json:"agent_modes,omitempty"`
	SelectedAgentMode  *string           `json:"selected_agent_mode,omitempty"`
	StreamThrottle     *time.Duration    `json:"stream_throttle,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Placeholder == nil && len(p.Labels) == 0 && p.DisabledFeatures == nil &&
		p.AllowedAttachments == nil && p.FirstRun == nil && p.Models == nil && p.SelectedModel == nil &&
		p.AgentModes == nil && p.SelectedAgentMode == nil && p.StreamThrottle == nil
}

// Apply merges p into a copy of c and validates the result.
func (c Config) Apply(p Patch) (Config, error) {
	out := c.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Placeholder != nil {
		out.Placeholder = *p.Placeholder
	}
	if len(p.Labels) > 0 {
		labels, err := out.Labels.Override(p.Labels)
		if err != nil {
			return c, err
		}
		out.Labels = labels
	}
	if p.DisabledFeatures != nil {
		out.DisabledFeatures = p.DisabledFeatures.Clone()
	}
	if p.AllowedAttachments != nil {
		out.AllowedAttachments = *p.AllowedAttachments
	}
	if p.FirstRun != nil {
		out.FirstRun = *p.FirstRun
	}
	if p.Models != nil {
		out.Models = append([]chat.Model(nil), (*p.Models)...)
	}
	if p.SelectedModel != nil {
		out.SelectedModel = *p.SelectedModel
	}
	if p.AgentModes != nil {
		out.AgentModes = append([]chat.AgentMode(nil), (*p.AgentModes)...)
	}
	if p.SelectedAgentMode != nil {
		out.SelectedAgentMode = *p.SelectedAgentMode
	}
	if p.StreamThrottle != nil {
		out.StreamThrottle = *p.StreamThrottle
	}
	if err := out.Validate(); err != nil {
		return c, err
	}
	return out, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse chat config")
	}
	if cfg.DisabledFeatures == nil {
		cfg.DisabledFeatures = FeatureSet{}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read chat config")
	}
	return Parse(data)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
