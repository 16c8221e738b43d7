package config

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type Feature string

const (
	FeatureAttachments   Feature = "attachments"
	FeatureHistory       Feature = "history"
	FeatureSuggestions   Feature = "suggestions"
	FeatureModelSelector Feature = "model-selector"
	FeatureAgentMode     Feature = "agent-mode"
	FeatureFeedback      Feature = "feedback"
	FeatureCopy          Feature = "copy"
	FeatureFirstRun      Feature = "first-run"
	FeatureStop          Feature = "stop"
)

var knownFeatures = map[Feature]struct{}{
	FeatureAttachments:   {},
	FeatureHistory:       {},
	FeatureSuggestions:   {},
	FeatureModelSelector: {},
	FeatureAgentMode:     {},
	FeatureFeedback:      {},
	FeatureCopy:          {},
	FeatureFirstRun:      {},
	FeatureStop:          {},
}

func ParseFeature(s string) (Feature, error) {
	f := Feature(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownFeatures[f]; !ok {
		return "", errors.Errorf("unknown feature %q", s)
	}
	return f, nil
}

// FeatureSet is the set of disabled features. It marshals as a sorted list.
type FeatureSet map[Feature]struct{}

func NewFeatureSet(names ...string) (FeatureSet, error) {
	fs := FeatureSet{}
	for _, n := range names {
		f, err := ParseFeature(n)
		if err != nil {
			return nil, err
		}
		fs[f] = struct{}{}
	}
	return fs, nil
}

func (fs FeatureSet) Has(f Feature) bool {
	if fs == nil {
		return false
	}
	_, ok := fs[f]
	return ok
}

func (fs FeatureSet) List() []string {
	out := make([]string, 0, len(fs))
	for f := range fs {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}

func (fs FeatureSet) Clone() FeatureSet {
	out := make(FeatureSet, len(fs))
	for f := range fs {
		out[f] = struct{}{}
	}
	return out
}

func (fs FeatureSet) MarshalYAML() (any, error) {
	return fs.List(), nil
}

func (fs *FeatureSet) UnmarshalYAML(unmarshal func(any) error) error {
	var names []string
	if err := unmarshal(&names); err != nil {
		return err
	}
	set, err := NewFeatureSet(names...)
	if err != nil {
		return err
	}
	*fs = set
	return nil
}

func (fs FeatureSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(fs.List())
}

func (fs *FeatureSet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	set, err := NewFeatureSet(names...)
	if err != nil {
		return err
	}
	*fs = set
	return nil
}
