// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scoring

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fundscout/fundscout/pkg/validation"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
)

// Per-match increments. Each matched table term contributes once; the
// sub-score is capped at 1.00.
var (
	strongKeywordValue = decimal.RequireFromString("0.40")
	weakKeywordValue   = decimal.RequireFromString("0.15")
	regionTermValue    = decimal.RequireFromString("0.50")
	orgTermValue       = decimal.RequireFromString("0.35")
)

// Tables holds the injected rule tables. All matching is
// case-insensitive substring matching over lowercased inputs.
type Tables struct {
	// StrongKeywords are terms that by themselves signal a funding
	// opportunity ("grant", "scholarship").
	StrongKeywords []string `yaml:"strongKeywords"`

	// WeakKeywords are supporting terms ("application", "deadline").
	WeakKeywords []string `yaml:"weakKeywords"`

	// TLDTiers maps host suffixes to credibility scores, e.g.
	// ".gov.bg" -> "1.00". The longest matching suffix wins.
	TLDTiers map[string]string `yaml:"tldTiers"`

	// DefaultTLDScore applies when no suffix matches.
	DefaultTLDScore string `yaml:"defaultTldScore"`

	// RegionTerms are geographic relevance markers.
	RegionTerms []string `yaml:"regionTerms"`

	// OrgLexicon are institutional markers matched against title,
	// description, and host.
	OrgLexicon []string `yaml:"orgLexicon"`
}

// Validate checks every score value in the tables parses into range.
func (t Tables) Validate() error {
	if len(t.StrongKeywords) == 0 {
		return fmt.Errorf("strong keyword table is empty")
	}
	if _, err := datatypes.ParseScore(t.DefaultTLDScore); err != nil {
		return fmt.Errorf("default TLD score: %w", err)
	}
	for suffix, val := range t.TLDTiers {
		if !strings.HasPrefix(suffix, ".") {
			return fmt.Errorf("TLD tier %q must start with a dot", suffix)
		}
		if _, err := datatypes.ParseScore(val); err != nil {
			return fmt.Errorf("TLD tier %q: %w", suffix, err)
		}
	}
	return nil
}

// DefaultTables returns the shipped rule tables, tuned for Bulgarian
// and EU funding sources. Config may override any of them.
func DefaultTables() Tables {
	return Tables{
		StrongKeywords: []string{
			"grant", "scholarship", "funding", "subsidy", "stipend",
			"financial aid", "call for proposals", "bursary",
		},
		WeakKeywords: []string{
			"application", "deadline", "eligib", "apply", "award",
			"programme", "program", "support scheme",
		},
		TLDTiers: map[string]string{
			".gov.bg": "1.00",
			".edu.bg": "1.00",
			".gov":    "1.00",
			".edu":    "1.00",
			".europa.eu": "1.00",
			".org.bg": "0.80",
			".org":    "0.75",
			".eu":     "0.70",
			".bg":     "0.60",
			".com":    "0.40",
			".info":   "0.25",
			".blogspot.com":  "0.10",
			".wordpress.com": "0.10",
			".medium.com":    "0.10",
		},
		DefaultTLDScore: "0.40",
		RegionTerms: []string{
			"bulgaria", "bulgarian", "sofia", "plovdiv", "varna",
			"european union", "europe", "eu fund", "erasmus", "horizon",
		},
		OrgLexicon: []string{
			"ministry", "foundation", "agency", "fund", "university",
			"municipality", "ngo", "institute", "commission", "government",
			"charity", "trust",
		},
	}
}

// matchText counts distinct matching terms and returns count*value
// capped at 1.00, rounded to two digits.
func matchValue(text string, terms []string, value decimal.Decimal) datatypes.Score {
	total := decimal.Zero
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(term)) {
			total = total.Add(value)
		}
	}
	return datatypes.ClampScore(total)
}

// ---------------------------------------------------------------------
// fundingKeywords
// ---------------------------------------------------------------------

// KeywordScorer scores funding terminology in title and description.
type KeywordScorer struct {
	strong []string
	weak   []string
}

// NewKeywordScorer builds the keyword sub-scorer.
func NewKeywordScorer(strong, weak []string) *KeywordScorer {
	return &KeywordScorer{strong: strong, weak: weak}
}

func (s *KeywordScorer) Name() string { return "fundingKeywords" }

func (s *KeywordScorer) Score(result datatypes.SearchResult) datatypes.Score {
	text := strings.ToLower(result.Title + " " + result.Description)

	total := decimal.Zero
	for _, term := range s.strong {
		if strings.Contains(text, strings.ToLower(term)) {
			total = total.Add(strongKeywordValue)
		}
	}
	for _, term := range s.weak {
		if strings.Contains(text, strings.ToLower(term)) {
			total = total.Add(weakKeywordValue)
		}
	}
	return datatypes.ClampScore(total)
}

// ---------------------------------------------------------------------
// domainCredibility
// ---------------------------------------------------------------------

// DomainScorer scores the host by its top-level-domain tier.
type DomainScorer struct {
	tiers        map[string]datatypes.Score
	defaultScore datatypes.Score
}

// NewDomainScorer builds the TLD sub-scorer. Tables are assumed
// validated.
func NewDomainScorer(tiers map[string]string, defaultScore string) *DomainScorer {
	parsed := make(map[string]datatypes.Score, len(tiers))
	for suffix, val := range tiers {
		parsed[strings.ToLower(suffix)] = datatypes.MustScore(val)
	}
	return &DomainScorer{tiers: parsed, defaultScore: datatypes.MustScore(defaultScore)}
}

func (s *DomainScorer) Name() string { return "domainCredibility" }

func (s *DomainScorer) Score(result datatypes.SearchResult) datatypes.Score {
	host, err := validation.HostFromURL(result.URL)
	if err != nil {
		return datatypes.ScoreZero
	}

	best := ""
	for suffix := range s.tiers {
		if strings.HasSuffix(host, suffix) && len(suffix) > len(best) {
			best = suffix
		}
	}
	if best == "" {
		return s.defaultScore
	}
	return s.tiers[best]
}

// ---------------------------------------------------------------------
// geographicRelevance
// ---------------------------------------------------------------------

// GeoScorer scores geographic markers in title and description.
type GeoScorer struct {
	terms []string
}

// NewGeoScorer builds the geographic sub-scorer.
func NewGeoScorer(terms []string) *GeoScorer {
	return &GeoScorer{terms: terms}
}

func (s *GeoScorer) Name() string { return "geographicRelevance" }

func (s *GeoScorer) Score(result datatypes.SearchResult) datatypes.Score {
	text := strings.ToLower(result.Title + " " + result.Description)
	return matchValue(text, s.terms, regionTermValue)
}

// ---------------------------------------------------------------------
// organizationType
// ---------------------------------------------------------------------

// OrgScorer scores institutional markers in title, description, and
// host.
type OrgScorer struct {
	lexicon []string
}

// NewOrgScorer builds the organization-type sub-scorer.
func NewOrgScorer(lexicon []string) *OrgScorer {
	return &OrgScorer{lexicon: lexicon}
}

func (s *OrgScorer) Name() string { return "organizationType" }

func (s *OrgScorer) Score(result datatypes.SearchResult) datatypes.Score {
	host, _ := validation.HostFromURL(result.URL)
	text := strings.ToLower(result.Title + " " + result.Description + " " + host)
	return matchValue(text, s.lexicon, orgTermValue)
}
