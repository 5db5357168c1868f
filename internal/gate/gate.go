// Package gate wraps externally reachable entry points with a
// declarative capability check and parameter validation layer. Handlers
// describe what they need; the gate rejects unauthorized callers before
// touching any parameter and reports every invalid parameter in one
// aggregated error instead of stopping at the first.
package gate

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

// RuleKind discriminates the closed set of validator variants.
type RuleKind int

const (
	RulePattern RuleKind = iota
	RuleNumeric
	RuleCount
	RuleTemporal
	RuleCustom
)

// Rule is one parameter validator. Exactly one variant is populated,
// selected by Kind; apply is the single dispatch point.
type Rule struct {
	Kind    RuleKind
	Pattern *regexp.Regexp
	Custom  func(value string) error
}

// Pattern validates against a regular expression.
func Pattern(re *regexp.Regexp) Rule {
	return Rule{Kind: RulePattern, Pattern: re}
}

// Numeric validates base-10 integers.
func Numeric() Rule {
	return Rule{Kind: RuleNumeric}
}

// Count validates non-negative base-10 integers, for parameters where
// a sign carries no meaning, such as day windows and page sizes.
func Count() Rule {
	return Rule{Kind: RuleCount}
}

// Temporal validates RFC3339 or date-only timestamps.
func Temporal() Rule {
	return Rule{Kind: RuleTemporal}
}

// Custom validates through an arbitrary function. Custom validators may
// recursively reuse other rules, e.g. splitting a comma list and
// applying a Pattern rule to each element.
func Custom(fn func(value string) error) Rule {
	return Rule{Kind: RuleCustom, Custom: fn}
}

// Apply runs the rule against a value. This is the only place variants
// are dispatched, so adding a kind without handling it here is caught
// by the default branch.
func (r Rule) Apply(value string) error {
	switch r.Kind {
	case RulePattern:
		if !r.Pattern.MatchString(value) {
			return fmt.Errorf("does not match %s", r.Pattern.String())
		}
		return nil
	case RuleNumeric:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("not a valid integer")
		}
		return nil
	case RuleCount:
		if _, err := strconv.ParseUint(value, 10, 64); err != nil {
			return fmt.Errorf("not a valid non-negative integer")
		}
		return nil
	case RuleTemporal:
		if _, err := time.Parse(time.RFC3339, value); err == nil {
			return nil
		}
		if _, err := time.Parse("2006-01-02", value); err == nil {
			return nil
		}
		return fmt.Errorf("not a valid timestamp")
	case RuleCustom:
		return r.Custom(value)
	default:
		return fmt.Errorf("unknown validation rule")
	}
}

// Endpoint declares the gate contract of one externally reachable
// operation: the capability the caller must hold and the parameters to
// extract and validate.
type Endpoint struct {
	Capability models.Capability
	Required   map[string]Rule
	Optional   map[string]Rule
}

// Params is the clean parameter set handed to the handler on success.
type Params map[string]string

// Int returns the named parameter as an integer, with a fallback when
// absent. Values reached here already passed their Numeric rule.
func (p Params) Int(name string, fallback int) int {
	raw, ok := p[name]
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// Date returns the named parameter as a timestamp.
func (p Params) Date(name string) (time.Time, bool) {
	raw, ok := p[name]
	if !ok {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Bind checks the caller's capability, then extracts and validates the
// declared parameters from get. The capability failure is a generic
// unauthorized response so callers cannot probe which capability an
// endpoint wants. Validation failures are collected across every
// parameter and reported together.
func (e Endpoint) Bind(actor models.Identity, get func(name string) (string, bool)) (Params, error) {
	if e.Capability != "" && !actor.Capabilities.Has(e.Capability) {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
	}

	params := make(Params, len(e.Required)+len(e.Optional))
	var problems []string

	for _, name := range sortedNames(e.Required) {
		value, ok := get(name)
		if !ok || value == "" {
			problems = append(problems, fmt.Sprintf("%s: required", name))
			continue
		}
		if err := e.Required[name].Apply(value); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		params[name] = value
	}

	for _, name := range sortedNames(e.Optional) {
		value, ok := get(name)
		if !ok || value == "" {
			continue
		}
		if err := e.Optional[name].Apply(value); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		params[name] = value
	}

	if len(problems) > 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid parameters: "+strings.Join(problems, "; "))
	}
	return params, nil
}

func sortedNames(rules map[string]Rule) []string {
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
