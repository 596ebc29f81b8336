// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/fundscout/fundscout/pkg/validation"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
)

// QueryGenerator expands one execution request into search query
// strings. Implementations may be arbitrarily smart; the pipeline only
// requires that every returned query is nonempty.
type QueryGenerator interface {
	Generate(ctx context.Context, req datatypes.ExecutionRequest) ([]string, error)
}

// TemplateGenerator is the built-in rule-based generator. It combines
// category, funding-type, and recipient term tables with the region
// name into a fixed set of query phrasings. Same request, same queries.
type TemplateGenerator struct{}

// NewTemplateGenerator creates the built-in generator.
func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{}
}

var categoryTerms = map[datatypes.Category]string{
	datatypes.CategoryEducation:        "education",
	datatypes.CategoryHealthcare:       "healthcare",
	datatypes.CategoryAgriculture:      "agriculture",
	datatypes.CategorySocialServices:   "social services",
	datatypes.CategoryCulture:          "culture and arts",
	datatypes.CategoryEnvironment:      "environmental protection",
	datatypes.CategoryResearch:         "scientific research",
	datatypes.CategoryEntrepreneurship: "entrepreneurship",
}

var fundingTerms = map[datatypes.FundingType]string{
	datatypes.FundingGrant:       "grants",
	datatypes.FundingScholarship: "scholarships",
	datatypes.FundingLoan:        "low-interest loans",
	datatypes.FundingDonation:    "donation programs",
	datatypes.FundingSubsidy:     "subsidies",
}

var recipientTerms = map[datatypes.RecipientType]string{
	datatypes.RecipientK12School:         "schools",
	datatypes.RecipientUniversity:        "universities",
	datatypes.RecipientNGO:               "non-profit organizations",
	datatypes.RecipientMunicipality:      "municipalities",
	datatypes.RecipientSME:               "small businesses",
	datatypes.RecipientIndividual:        "individuals",
	datatypes.RecipientResearchInstitute: "research institutes",
}

// regionNames maps the ISO 3166-1 alpha-2 codes the service is deployed
// for to search-friendly country names. Unlisted codes fall back to the
// code itself.
var regionNames = map[string]string{
	"BG": "Bulgaria",
	"RO": "Romania",
	"GR": "Greece",
	"RS": "Serbia",
	"MK": "North Macedonia",
	"DE": "Germany",
	"FR": "France",
	"GB": "United Kingdom",
	"US": "United States",
}

// Generate expands the request into four query phrasings.
func (g *TemplateGenerator) Generate(_ context.Context, req datatypes.ExecutionRequest) ([]string, error) {
	category, ok := categoryTerms[req.Category]
	if !ok {
		return nil, fmt.Errorf("no term table entry for category %s", req.Category)
	}
	funding, ok := fundingTerms[req.FundingType]
	if !ok {
		return nil, fmt.Errorf("no term table entry for funding type %s", req.FundingType)
	}
	recipient, ok := recipientTerms[req.RecipientType]
	if !ok {
		return nil, fmt.Errorf("no term table entry for recipient type %s", req.RecipientType)
	}

	region := regionNames[strings.ToUpper(req.Region)]
	if region == "" {
		region = strings.ToUpper(req.Region)
	}

	templates := []string{
		"%[1]s %[2]s for %[3]s in %[4]s",
		"%[4]s %[1]s funding opportunities for %[3]s",
		"apply %[1]s %[2]s %[3]s %[4]s",
		"%[2]s %[3]s %[4]s official program",
	}

	queries := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		q, err := validation.SanitizeQueryText(fmt.Sprintf(tmpl, category, funding, recipient, region))
		if err != nil {
			return nil, fmt.Errorf("generated query rejected: %w", err)
		}
		queries = append(queries, q)
	}
	return queries, nil
}
