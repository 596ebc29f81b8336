// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Score is a fixed-point confidence or quality score in [0.00, 1.00]
// with exactly two fractional digits.
//
// All score arithmetic in the pipeline goes through this type so that
// threshold comparisons never touch binary floating point. The zero
// value is 0.00.
type Score struct {
	dec decimal.Decimal
}

var (
	// ScoreZero is 0.00.
	ScoreZero = MustScore("0.00")

	// ScoreOne is 1.00.
	ScoreOne = MustScore("1.00")

	// AdmissionThreshold is the exact cut-off for candidate creation.
	// Results scoring at or above it become candidates.
	AdmissionThreshold = MustScore("0.60")
)

// ParseScore parses a decimal string into a Score, rejecting values
// outside [0.00, 1.00]. The value is rounded half-up to two fractional
// digits.
func ParseScore(s string) (Score, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Score{}, fmt.Errorf("parse score %q: %w", s, err)
	}
	return scoreFromDecimal(d)
}

// MustScore parses a decimal string into a Score and panics on error.
// Intended for constants and tests.
func MustScore(s string) Score {
	sc, err := ParseScore(s)
	if err != nil {
		panic(err)
	}
	return sc
}

func scoreFromDecimal(d decimal.Decimal) (Score, error) {
	rounded := d.Round(2)
	if rounded.IsNegative() || rounded.GreaterThan(decimal.New(1, 0)) {
		return Score{}, fmt.Errorf("score %s out of range [0.00, 1.00]", rounded.StringFixed(2))
	}
	return Score{dec: rounded}, nil
}

// ClampScore rounds d half-up to two fractional digits and clamps the
// result into [0.00, 1.00]. Used by scorers whose rule tables can
// accumulate past the cap.
func ClampScore(d decimal.Decimal) Score {
	rounded := d.Round(2)
	if rounded.IsNegative() {
		return ScoreZero
	}
	if rounded.GreaterThan(decimal.New(1, 0)) {
		return ScoreOne
	}
	return Score{dec: rounded}
}

// Decimal returns the underlying decimal value.
func (s Score) Decimal() decimal.Decimal {
	return s.dec
}

// Cmp compares two scores: -1 if s < o, 0 if equal, +1 if s > o.
func (s Score) Cmp(o Score) int {
	return s.dec.Cmp(o.dec)
}

// GreaterOrEqual reports whether s >= o by decimal comparison.
func (s Score) GreaterOrEqual(o Score) bool {
	return s.dec.Cmp(o.dec) >= 0
}

// Passing reports whether the score meets the admission threshold.
func (s Score) Passing() bool {
	return s.GreaterOrEqual(AdmissionThreshold)
}

// Max returns the larger of s and o.
func (s Score) Max(o Score) Score {
	if s.Cmp(o) >= 0 {
		return s
	}
	return o
}

// String formats the score with exactly two fractional digits.
func (s Score) String() string {
	return s.dec.StringFixed(2)
}

// Equal reports exact decimal equality.
func (s Score) Equal(o Score) bool {
	return s.dec.Equal(o.dec)
}

// MarshalJSON encodes the score as a JSON string with two fractional
// digits ("0.60"). String form keeps fixed-point semantics intact on
// the wire.
func (s Score) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a bare number.
func (s *Score) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	parsed, err := ParseScore(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// WeightedSum computes round(sum(weights[i] * scores[i]), 2) in decimal
// arithmetic, clamped into range. Inputs must be equal length.
func WeightedSum(weights []decimal.Decimal, scores []Score) (Score, error) {
	if len(weights) != len(scores) {
		return Score{}, fmt.Errorf("weighted sum: %d weights for %d scores", len(weights), len(scores))
	}
	total := decimal.Zero
	for i, w := range weights {
		total = total.Add(w.Mul(scores[i].dec))
	}
	return ClampScore(total), nil
}
