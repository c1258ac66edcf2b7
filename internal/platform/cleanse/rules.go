package cleanse

import (
	"fmt"
	"strings"
)

// RuleKind selects how a Rule rewrites an identifier.
type RuleKind string

const (
	// Prefix strips Token from the start of the identifier.
	Prefix RuleKind = "prefix"
	// Suffix strips Token from the end of the identifier.
	Suffix RuleKind = "suffix"
	// Cut keeps the text before the first occurrence of Token.
	Cut RuleKind = "cut"
	// Split splits on Token and keeps the last segment.
	Split RuleKind = "split"
)

// Rule is one site-specific identifier transform.
type Rule struct {
	Kind  RuleKind `yaml:"kind"`
	Token string   `yaml:"token"`
}

// DefaultRules holds every identifier convention seen across sites, in the
// order they must be tried. Stockport exports RT-prefixed patients and
// underscore-joined referral and activity ids, Worcester appends DA/CA/GA
// to contact ids, and Waltham Forest appends RiO to patients and MH... to
// referrals.
var DefaultRules = []Rule{
	{Kind: Prefix, Token: "RT"},
	{Kind: Suffix, Token: "DA"},
	{Kind: Suffix, Token: "CA"},
	{Kind: Suffix, Token: "GA"},
	{Kind: Suffix, Token: "RiO"},
	{Kind: Cut, Token: "MH"},
	{Kind: Split, Token: "_"},
}

// Validate reports whether the rule can be applied.
func (r Rule) Validate() error {
	switch r.Kind {
	case Prefix, Suffix, Cut, Split:
	default:
		return fmt.Errorf("unknown identifier rule kind %q", r.Kind)
	}
	if r.Token == "" {
		return fmt.Errorf("identifier rule %s has an empty token", r.Kind)
	}
	return nil
}

func (r Rule) matches(s string) bool {
	switch r.Kind {
	case Prefix:
		return strings.HasPrefix(s, r.Token)
	case Suffix:
		return strings.HasSuffix(s, r.Token)
	case Cut, Split:
		return strings.Contains(s, r.Token)
	}
	return false
}

func (r Rule) apply(s string) string {
	switch r.Kind {
	case Prefix:
		return strings.TrimPrefix(s, r.Token)
	case Suffix:
		return strings.TrimSuffix(s, r.Token)
	case Cut:
		return s[:strings.Index(s, r.Token)]
	case Split:
		return s[strings.LastIndex(s, r.Token)+len(r.Token):]
	}
	return s
}

// ValidateRules checks every rule in order and reports the first failure.
func ValidateRules(rules []Rule) error {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// Identifier canonicalizes a raw identifier with the given rules. The first
// rule whose condition matches fires and no later rule is tried. It returns
// false when the value is blank, the null marker, or empty after cleaning.
func Identifier(raw string, rules []Rule) (string, bool) {
	s := strings.TrimSpace(raw)
	if IsNull(s) {
		return "", false
	}
	for _, r := range rules {
		if r.matches(s) {
			s = strings.TrimSpace(r.apply(s))
			break
		}
	}
	if s == "" {
		return "", false
	}
	return s, true
}
