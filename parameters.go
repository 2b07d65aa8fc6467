package tunepipe

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/karlseguin/typed"
)

// well-known parameter keys submitted with every stage invocation
const (
	ParamLogicalDate  = "logical_date"
	ParamPipeline     = "pipeline"
	ParamRunID        = "run_id"
	ParamCatalog      = "catalog"
	ParamSourcePrefix = "source."
	ParamTargetPrefix = "target."
)

// Parameters is the fixed parameter map handed to stages.
type Parameters struct {
	typed.Typed
}

func NewParameters() Parameters {
	return Parameters{Typed: typed.Typed{}}
}

func (p Parameters) Set(k string, v any) Parameters {
	if p.Typed == nil {
		p.Typed = typed.Typed{}
	}
	p.Typed[k] = v
	return p
}

// Clone returns a shallow copy so a run never shares its map with another.
func (p Parameters) Clone() Parameters {
	c := NewParameters()
	for k, v := range p.Typed {
		c.Typed[k] = v
	}
	return c
}

// Prefixed returns every parameter under prefix with the prefix stripped.
func (p Parameters) Prefixed(prefix string) map[string]string {
	ret := map[string]string{}
	for k := range p.Typed {
		if strings.HasPrefix(k, prefix) {
			ret[strings.TrimPrefix(k, prefix)] = p.String(k)
		}
	}
	return ret
}

func (p Parameters) ToString() string {
	bs, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return string(bs)
}

func (p *Parameters) FromString(str string) error {
	return json.Unmarshal([]byte(str), p)
}

func (p *Parameters) UnmarshalJSON(bytes []byte) error {
	return json.Unmarshal(bytes, &p.Typed)
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	if p.Typed == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(p.Typed))
}

// Footprint is a stable digest of the parameters, independent of insertion order.
func (p Parameters) Footprint() string {
	keys := make([]string, 0, len(p.Typed))
	for k := range p.Typed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := md5.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, p.Typed[k])
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Validate checks that the keys every stage relies on are present.
func (p Parameters) Validate() error {
	for _, k := range []string{ParamLogicalDate, ParamPipeline, ParamRunID} {
		if _, ok := p.StringIf(k); !ok {
			return NewBatchError(ErrCodeConfig, "missing job parameter %q", k)
		}
	}
	return nil
}
