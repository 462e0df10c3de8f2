// Package mapping applies declarative field-mapping rules (rename,
// convert, value-map, concatenate, default) to records in flight between
// extract and load.
package mapping

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
	"github.com/stanstork/stratum-fabric/internal/odata"
)

// Rule is one declarative field mapping. Exactly one of the rename,
// concat or default-only shapes applies:
//
//	rename:       Source + Target, optional Convert/ValueMap/Default/Transform
//	concat:       Sources + Target, joined with Separator
//	default-only: Target + Default (or DefaultFunc over the whole record)
type Rule struct {
	Source    string   `json:"source,omitempty"`
	Sources   []string `json:"sources,omitempty"`
	Separator string   `json:"separator,omitempty"`
	Target    string   `json:"target"`

	Convert     string    `json:"convert,omitempty"`
	ConvertFunc Converter `json:"-"`

	ValueMap map[string]any `json:"valueMap,omitempty"`
	Default  any            `json:"default,omitempty"`

	DefaultFunc func(record odata.Record) any `json:"-"`
	Transform   func(value any) any           `json:"-"`
}

// Summary carries cumulative mapping counters for diagnostics.
type Summary struct {
	TotalMappings int `json:"totalMappings"`
	Processed     int `json:"processed"`
	Mapped        int `json:"mapped"`
}

// Engine applies a validated rule list to records. Application itself is
// stateless; the engine only accumulates the diagnostic summary.
type Engine struct {
	rules       []Rule
	passThrough bool
	logger      zerolog.Logger

	summary Summary
}

// Option configures an Engine.
type Option func(*Engine)

// WithPassThrough copies source fields not claimed by any rule onto the
// output record.
func WithPassThrough() Option {
	return func(e *Engine) { e.passThrough = true }
}

// NewEngine validates the rule list up front: every rule needs a target,
// targets must be unique and named converters must resolve. Declared but
// unused sources are only warned about.
func NewEngine(rules []Rule, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	targets := make(map[string]bool, len(rules))
	for i, rule := range rules {
		if rule.Target == "" {
			return nil, fabricerr.Newf(fabricerr.KindConfiguration, "mapping rule %d has no target", i)
		}
		if targets[rule.Target] {
			return nil, fabricerr.Newf(fabricerr.KindConfiguration, "duplicate mapping target %q", rule.Target)
		}
		targets[rule.Target] = true

		if rule.Convert != "" {
			if _, ok := LookupConverter(rule.Convert); !ok {
				return nil, fabricerr.Newf(fabricerr.KindConfiguration, "unknown converter %q on target %q", rule.Convert, rule.Target)
			}
		}
		if rule.Source == "" && len(rule.Sources) == 0 && rule.Default == nil && rule.DefaultFunc == nil {
			logger.Warn().Str("target", rule.Target).Msg("mapping rule has no source and no default")
		}
	}

	e := &Engine{
		rules:  rules,
		logger: logger.With().Str("component", "mapping").Logger(),
	}
	e.summary.TotalMappings = len(rules)
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Apply maps a batch of records and returns the outputs with the updated
// summary.
func (e *Engine) Apply(records []odata.Record) ([]odata.Record, Summary) {
	out := make([]odata.Record, 0, len(records))
	for _, rec := range records {
		out = append(out, e.ApplyRecord(rec))
	}
	return out, e.summary
}

// ApplyRecord maps one record. The function is pure with respect to its
// input: the source record is never modified and repeated application
// yields the same output.
func (e *Engine) ApplyRecord(record odata.Record) odata.Record {
	out := make(odata.Record, len(e.rules))
	mapped := 0

	for _, rule := range e.rules {
		var value any
		switch {
		case len(rule.Sources) > 0:
			parts := make([]string, 0, len(rule.Sources))
			for _, src := range rule.Sources {
				parts = append(parts, stringify(record[src]))
			}
			value = strings.Join(parts, rule.Separator)

		case rule.Source != "":
			value = record[rule.Source]
			value = e.convert(rule, value)
			if rule.ValueMap != nil {
				if replaced, ok := rule.ValueMap[stringify(value)]; ok {
					value = replaced
				} else {
					value = rule.Default
				}
			}
			if rule.Transform != nil {
				value = rule.Transform(value)
			}

		case rule.DefaultFunc != nil:
			value = rule.DefaultFunc(record)

		default:
			value = rule.Default
		}

		out[rule.Target] = value
		if value != nil {
			mapped++
		}
	}

	if e.passThrough {
		claimed := make(map[string]bool, len(e.rules))
		for _, rule := range e.rules {
			claimed[rule.Source] = true
			for _, src := range rule.Sources {
				claimed[src] = true
			}
		}
		for field, value := range record {
			if _, exists := out[field]; !exists && !claimed[field] {
				out[field] = value
			}
		}
	}

	e.summary.Processed++
	e.summary.Mapped += mapped
	return out
}

func (e *Engine) convert(rule Rule, value any) any {
	if rule.ConvertFunc != nil {
		return rule.ConvertFunc(value)
	}
	if rule.Convert != "" {
		if c, ok := LookupConverter(rule.Convert); ok {
			return c(value)
		}
	}
	return value
}

// Summary returns the cumulative counters.
func (e *Engine) Summary() Summary { return e.summary }
