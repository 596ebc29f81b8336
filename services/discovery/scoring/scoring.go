// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scoring computes the confidence score of a search result
// from its metadata alone. The scorer is a pure function: same input,
// same output, no network access. All arithmetic is fixed-point
// decimal with two fractional digits.
package scoring

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fundscout/fundscout/services/discovery/datatypes"
)

// SubScorer produces one rule-based sub-score in [0.00, 1.00].
type SubScorer interface {
	Name() string
	Score(result datatypes.SearchResult) datatypes.Score
}

// WeightedScorer pairs a sub-scorer with its aggregation weight.
type WeightedScorer struct {
	Scorer SubScorer
	Weight decimal.Decimal
}

// ConfidenceScorer aggregates weighted sub-scores into the admission
// score. Weights must sum to exactly 1.00; this is verified at
// construction.
type ConfidenceScorer struct {
	scorers []WeightedScorer
}

// NewConfidenceScorer builds an aggregator over the given sub-scorers.
func NewConfidenceScorer(scorers []WeightedScorer) (*ConfidenceScorer, error) {
	if len(scorers) == 0 {
		return nil, fmt.Errorf("at least one sub-scorer is required")
	}

	sum := decimal.Zero
	for _, ws := range scorers {
		if ws.Scorer == nil {
			return nil, fmt.Errorf("nil sub-scorer")
		}
		if ws.Weight.IsNegative() {
			return nil, fmt.Errorf("sub-scorer %s has negative weight %s", ws.Scorer.Name(), ws.Weight)
		}
		sum = sum.Add(ws.Weight)
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("sub-scorer weights sum to %s, must be exactly 1.00", sum)
	}

	return &ConfidenceScorer{scorers: scorers}, nil
}

// Score computes the aggregate confidence score of one result.
func (c *ConfidenceScorer) Score(result datatypes.SearchResult) (datatypes.Score, error) {
	weights := make([]decimal.Decimal, len(c.scorers))
	subs := make([]datatypes.Score, len(c.scorers))
	for i, ws := range c.scorers {
		weights[i] = ws.Weight
		subs[i] = ws.Scorer.Score(result)
	}
	return datatypes.WeightedSum(weights, subs)
}

// Breakdown returns the per-rule sub-scores, keyed by scorer name.
// Used for debug logging and the request status endpoint.
func (c *ConfidenceScorer) Breakdown(result datatypes.SearchResult) map[string]datatypes.Score {
	out := make(map[string]datatypes.Score, len(c.scorers))
	for _, ws := range c.scorers {
		out[ws.Scorer.Name()] = ws.Scorer.Score(result)
	}
	return out
}

// NewDefault wires the four standard sub-scorers with the canonical
// weights: fundingKeywords 0.30, domainCredibility 0.25,
// geographicRelevance 0.25, organizationType 0.20.
func NewDefault(tables Tables) (*ConfidenceScorer, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	return NewConfidenceScorer([]WeightedScorer{
		{Scorer: NewKeywordScorer(tables.StrongKeywords, tables.WeakKeywords), Weight: decimal.RequireFromString("0.30")},
		{Scorer: NewDomainScorer(tables.TLDTiers, tables.DefaultTLDScore), Weight: decimal.RequireFromString("0.25")},
		{Scorer: NewGeoScorer(tables.RegionTerms), Weight: decimal.RequireFromString("0.25")},
		{Scorer: NewOrgScorer(tables.OrgLexicon), Weight: decimal.RequireFromString("0.20")},
	})
}
