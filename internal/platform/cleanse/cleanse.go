// Package cleanse holds the pure string cleaners applied to raw extract
// cells: identifier canonicalization, dates, categorical values and ages.
// Every function is total; unrecognized input passes through unchanged.
package cleanse

import (
	"fmt"
	"sort"
	"strings"
)

// NullMarker is the literal sites export for a missing value.
const NullMarker = "NULL"

// Func cleans one cell. The boolean is false when the result is absent.
type Func func(raw string) (string, bool)

// IsNull reports whether raw is blank or the null marker.
func IsNull(raw string) bool {
	s := strings.TrimSpace(raw)
	return s == "" || strings.EqualFold(s, NullMarker)
}

// Value trims raw and maps the null marker to absent.
func Value(raw string) (string, bool) {
	if IsNull(raw) {
		return "", false
	}
	return strings.TrimSpace(raw), true
}

// Date keeps the date part of a date-time value ("11/04/16 15:00" becomes
// "11/04/16"). Dates stay opaque strings.
func Date(raw string) (string, bool) {
	s, ok := Value(raw)
	if !ok {
		return "", false
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s, true
}

var categorical = map[string]string{
	"f2f":              "F2F",
	"face to face":     "F2F",
	"face-to-face":     "F2F",
	"nf2f":             "NonF2F",
	"non f2f":          "NonF2F",
	"non face to face": "NonF2F",
	"non-face-to-face": "NonF2F",
	"non face-to-face": "NonF2F",
}

// Categorical maps known spellings of a coded value to one token.
func Categorical(raw string) (string, bool) {
	s, ok := Value(raw)
	if !ok {
		return "", false
	}
	if canon, found := categorical[strings.ToLower(s)]; found {
		return canon, true
	}
	return s, true
}

// Age truncates a fractional age to its integer part ("4.2" becomes "4").
func Age(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Site derives a site or locality name from a coded value. Luton and Tower
// Hamlets prefix patient ids with LT and TH; Norfolk localities name the
// county or one of its towns.
func Site(raw string) string {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "LT"):
		return "Luton"
	case strings.HasPrefix(s, "TH"):
		return "Tower Hamlet"
	}
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "suffolk"):
		return "Suffolk"
	case strings.Contains(lower, "norfolk"),
		strings.Contains(lower, "norwich"),
		strings.Contains(lower, "yarmouth"):
		return "Norfolk"
	}
	return s
}

// Cleaner names accepted in site schemas.
const (
	CleanValue       = "value"
	CleanIdentifier  = "identifier"
	CleanDate        = "date"
	CleanCategorical = "categorical"
	CleanAge         = "age"
	CleanSite        = "site"
)

var named = map[string]Func{
	"":               Value,
	CleanValue:       Value,
	CleanDate:        Date,
	CleanCategorical: Categorical,
	CleanAge: func(raw string) (string, bool) {
		if IsNull(raw) {
			return "", false
		}
		return present(Age(raw))
	},
	CleanSite: func(raw string) (string, bool) {
		if IsNull(raw) {
			return "", false
		}
		return present(Site(raw))
	},
}

func present(s string) (string, bool) {
	return s, s != ""
}

// Lookup resolves a cleaner by name. The identifier cleaner is bound to the
// given rules; the empty name is the plain value cleaner.
func Lookup(name string, rules []Rule) (Func, error) {
	if name == CleanIdentifier {
		return func(raw string) (string, bool) {
			return Identifier(raw, rules)
		}, nil
	}
	fn, ok := named[name]
	if !ok {
		return nil, fmt.Errorf("unknown cleaner %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return fn, nil
}

// Names lists the registered cleaner names.
func Names() []string {
	names := []string{CleanIdentifier}
	for name := range named {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
