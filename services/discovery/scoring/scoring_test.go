// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scoring

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fundscout/fundscout/services/discovery/datatypes"
)

// fixed is a stub sub-scorer returning a constant.
type fixed struct {
	name  string
	value datatypes.Score
}

func (f fixed) Name() string                               { return f.name }
func (f fixed) Score(datatypes.SearchResult) datatypes.Score { return f.value }

func TestWeightsMustSumToOne(t *testing.T) {
	_, err := NewConfidenceScorer([]WeightedScorer{
		{Scorer: fixed{name: "a"}, Weight: decimal.RequireFromString("0.30")},
		{Scorer: fixed{name: "b"}, Weight: decimal.RequireFromString("0.30")},
	})
	if err == nil {
		t.Fatal("weights summing to 0.60 must be rejected")
	}

	_, err = NewConfidenceScorer([]WeightedScorer{
		{Scorer: fixed{name: "a"}, Weight: decimal.RequireFromString("0.50")},
		{Scorer: fixed{name: "b"}, Weight: decimal.RequireFromString("0.50")},
	})
	if err != nil {
		t.Fatalf("valid weights rejected: %v", err)
	}
}

func TestExactThresholdBoundary(t *testing.T) {
	// 0.30*1.00 + 0.25*0.60 + 0.25*0.60 + 0.20*0.00 = 0.60 exactly.
	scorer, err := NewConfidenceScorer([]WeightedScorer{
		{Scorer: fixed{"keywords", datatypes.MustScore("1.00")}, Weight: decimal.RequireFromString("0.30")},
		{Scorer: fixed{"domain", datatypes.MustScore("0.60")}, Weight: decimal.RequireFromString("0.25")},
		{Scorer: fixed{"geo", datatypes.MustScore("0.60")}, Weight: decimal.RequireFromString("0.25")},
		{Scorer: fixed{"org", datatypes.MustScore("0.00")}, Weight: decimal.RequireFromString("0.20")},
	})
	if err != nil {
		t.Fatalf("NewConfidenceScorer failed: %v", err)
	}

	score, err := scorer.Score(datatypes.SearchResult{URL: "https://x.example"})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score.String() != "0.60" {
		t.Errorf("score = %s, want exactly 0.60", score)
	}
	if !score.Passing() {
		t.Error("exactly 0.60 must pass the admission threshold")
	}
}

func newDefaultScorer(t *testing.T) *ConfidenceScorer {
	t.Helper()
	scorer, err := NewDefault(DefaultTables())
	if err != nil {
		t.Fatalf("NewDefault failed: %v", err)
	}
	return scorer
}

func TestGovernmentGrantPageScoresHigh(t *testing.T) {
	scorer := newDefaultScorer(t)

	result := datatypes.SearchResult{
		URL:         "https://mon.gov.bg/grants",
		Title:       "Education Grants from the Ministry of Education",
		Description: "Apply for school funding grants in Bulgaria and Sofia. Deadline June.",
	}

	score, err := scorer.Score(result)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	// keywords 1.00, domain 1.00, geo 1.00, org 0.70 (ministry + fund)
	// -> 0.30 + 0.25 + 0.25 + 0.14 = 0.94
	if score.String() != "0.94" {
		t.Errorf("score = %s, want 0.94", score)
	}
	if !score.Passing() {
		t.Error("government grant page must pass")
	}
}

func TestPersonalBlogScoresLow(t *testing.T) {
	scorer := newDefaultScorer(t)

	result := datatypes.SearchResult{
		URL:         "https://randomthoughts.blogspot.com/2024/my-trip",
		Title:       "My trip to the seaside",
		Description: "Photos from summer",
	}

	score, err := scorer.Score(result)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	// Only the domain tier contributes: 0.25 * 0.10 = 0.025 -> 0.03.
	if score.String() != "0.03" {
		t.Errorf("score = %s, want 0.03", score)
	}
	if score.Passing() {
		t.Error("personal blog must not pass")
	}
}

func TestScoringIsDeterministic(t *testing.T) {
	scorer := newDefaultScorer(t)
	result := datatypes.SearchResult{
		URL:         "https://fondacia.org/programa",
		Title:       "Foundation scholarship programme",
		Description: "Scholarships for Bulgarian university students",
	}

	first, err := scorer.Score(result)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := scorer.Score(result)
		if err != nil {
			t.Fatalf("Score failed on run %d: %v", i, err)
		}
		if !again.Equal(first) {
			t.Fatalf("score changed between runs: %s vs %s", first, again)
		}
	}
}

func TestDomainScorerLongestSuffixWins(t *testing.T) {
	tables := DefaultTables()
	s := NewDomainScorer(tables.TLDTiers, tables.DefaultTLDScore)

	cases := []struct {
		url  string
		want string
	}{
		{"https://fund.gov.bg/x", "1.00"},
		{"https://ngo.org.bg/x", "0.80"},  // .org.bg beats .bg
		{"https://ngo.org/x", "0.75"},
		{"https://news.bg/x", "0.60"},
		{"https://someone.blogspot.com/x", "0.10"}, // beats .com
		{"https://unknown.xyz/x", "0.40"},          // default tier
		{"not a url", "0.00"},
	}

	for _, tc := range cases {
		if got := s.Score(datatypes.SearchResult{URL: tc.url}); got.String() != tc.want {
			t.Errorf("Score(%q) = %s, want %s", tc.url, got, tc.want)
		}
	}
}

func TestKeywordScorerCapsAtOne(t *testing.T) {
	tables := DefaultTables()
	s := NewKeywordScorer(tables.StrongKeywords, tables.WeakKeywords)

	got := s.Score(datatypes.SearchResult{
		Title:       "Grant scholarship funding subsidy stipend",
		Description: "apply before the deadline, award, application",
	})
	if got.String() != "1.00" {
		t.Errorf("score = %s, want 1.00 cap", got)
	}
}

func TestOrgScorerMatchesHost(t *testing.T) {
	tables := DefaultTables()
	s := NewOrgScorer(tables.OrgLexicon)

	got := s.Score(datatypes.SearchResult{
		URL:   "https://americafund.example/programs",
		Title: "Annual report",
	})
	// "fund" appears only in the host.
	if got.String() != "0.35" {
		t.Errorf("score = %s, want 0.35", got)
	}
}

func TestTablesValidate(t *testing.T) {
	good := DefaultTables()
	if err := good.Validate(); err != nil {
		t.Errorf("default tables invalid: %v", err)
	}

	bad := DefaultTables()
	bad.StrongKeywords = nil
	if err := bad.Validate(); err == nil {
		t.Error("empty strong keywords accepted")
	}

	bad = DefaultTables()
	bad.TLDTiers = map[string]string{"gov.bg": "1.00"}
	if err := bad.Validate(); err == nil {
		t.Error("tier suffix without leading dot accepted")
	}

	bad = DefaultTables()
	bad.TLDTiers = map[string]string{".gov.bg": "1.50"}
	if err := bad.Validate(); err == nil {
		t.Error("out-of-range tier score accepted")
	}
}
