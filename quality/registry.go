package quality

import (
	_ "embed"
	"os"

	"github.com/pkg/errors"
	"github.com/zeebo/errs"
	"gopkg.in/yaml.v3"

	"github.com/chararch/tunepipe"
)

//go:embed rules.yaml
var defaultRules []byte

// Registry is the typed rule set loaded at startup.
type Registry struct {
	rules []Rule
}

type registryFile struct {
	Defaults map[string]float64 `yaml:"defaults"`
	Rules    []RuleConfig       `yaml:"rules"`
}

// ParseRegistry builds a registry from YAML. overrides replace the per-type default
// thresholds of the file. Every invalid rule is reported.
func ParseRegistry(data []byte, overrides map[string]float64) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "parse quality rules", err)
	}
	defaults := map[string]float64{}
	for k, v := range f.Defaults {
		defaults[k] = v
	}
	for k, v := range overrides {
		defaults[k] = v
	}
	r := &Registry{}
	ids := map[string]bool{}
	var group errs.Group
	for _, c := range f.Rules {
		if ids[c.ID] {
			group.Add(tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "rule %s declared twice", c.ID))
			continue
		}
		ids[c.ID] = true
		rule, err := Build(c, defaults)
		if err != nil {
			group.Add(err)
			continue
		}
		r.rules = append(r.rules, rule)
	}
	if err := group.Err(); err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "invalid quality rules", err)
	}
	return r, nil
}

// LoadRegistry reads a rule file; an empty path loads the built-in rules.
func LoadRegistry(path string, overrides map[string]float64) (*Registry, error) {
	data := defaultRules
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "read quality rules %s", path, errors.WithStack(err))
		}
	}
	return ParseRegistry(data, overrides)
}

// NewRegistry creates a registry from compiled rules.
func NewRegistry(rules ...Rule) *Registry {
	return &Registry{rules: rules}
}

// Rules returns the rules checking entity, in declaration order.
func (r *Registry) Rules(entity string) []Rule {
	var ret []Rule
	for _, rule := range r.rules {
		if rule.Entity() == entity {
			ret = append(ret, rule)
		}
	}
	return ret
}

// Len is the number of rules.
func (r *Registry) Len() int {
	return len(r.rules)
}
