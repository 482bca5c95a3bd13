package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/viniciushammett/mqtt-auth-detector/internal/features"
)

// Rule fires when Feature is strictly above Above.
type Rule struct {
	Name     string  `yaml:"name"`
	Feature  string  `yaml:"feature"`
	Above    float64 `yaml:"above"`
	Severity string  `yaml:"severity"` // info|warn|critical
}

// PrincipalBadCredentials: same username got more than one bad-credentials CONNACK in the horizon.
var PrincipalBadCredentials = Rule{
	Name:     "principal-bad-credentials",
	Feature:  features.UserFailReason4,
	Above:    1,
	Severity: "critical",
}

type Set struct {
	Items []Rule
}

func Default() *Set { return &Set{Items: []Rule{PrincipalBadCredentials}} }

// New builds a set that always starts with PrincipalBadCredentials; configured rules
// add to it. A configured rule named like the built-in one may only change its severity.
func New(rs []Rule) (*Set, error) {
	out := Default()
	seen := map[string]bool{PrincipalBadCredentials.Name: true}
	for _, r := range rs {
		if r.Name == "" {
			return nil, fmt.Errorf("rule without name")
		}
		if r.Name == PrincipalBadCredentials.Name {
			if r.Feature != PrincipalBadCredentials.Feature || r.Above != PrincipalBadCredentials.Above {
				return nil, fmt.Errorf("rule %q is built in: feature %s and above %v are fixed",
					r.Name, PrincipalBadCredentials.Feature, PrincipalBadCredentials.Above)
			}
			if r.Severity != "" {
				out.Items[0].Severity = r.Severity
			}
			continue
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule %q", r.Name)
		}
		if !features.Known(r.Feature) {
			return nil, fmt.Errorf("rule %q: unknown feature %q", r.Name, r.Feature)
		}
		if r.Severity == "" {
			r.Severity = "warn"
		}
		seen[r.Name] = true
		out.Items = append(out.Items, r)
	}
	return out, nil
}

func LoadFromFile(path string) (*Set, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var raw []Rule
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return New(raw)
}

// Hits returns every rule that fires for v, built-in rule first.
func (s *Set) Hits(v features.Vector) []Rule {
	var out []Rule
	for _, r := range s.Items {
		if x, ok := v.Get(r.Feature); ok && x > r.Above {
			out = append(out, r)
		}
	}
	return out
}

// Attack reports whether the built-in bad-credentials rule fires for v. It alone decides
// the final label; other rules are informational hits.
func (s *Set) Attack(v features.Vector) (Rule, bool) {
	for _, r := range s.Hits(v) {
		if r.Name == PrincipalBadCredentials.Name {
			return r, true
		}
	}
	return Rule{}, false
}
