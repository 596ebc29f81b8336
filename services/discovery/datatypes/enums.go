// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "fmt"

// Category is the funding domain a discovery request targets.
type Category string

const (
	CategoryEducation        Category = "EDUCATION"
	CategoryHealthcare       Category = "HEALTHCARE"
	CategoryAgriculture      Category = "AGRICULTURE"
	CategorySocialServices   Category = "SOCIAL_SERVICES"
	CategoryCulture          Category = "CULTURE"
	CategoryEnvironment      Category = "ENVIRONMENT"
	CategoryResearch         Category = "RESEARCH"
	CategoryEntrepreneurship Category = "ENTREPRENEURSHIP"
)

var validCategories = map[Category]bool{
	CategoryEducation: true, CategoryHealthcare: true, CategoryAgriculture: true,
	CategorySocialServices: true, CategoryCulture: true, CategoryEnvironment: true,
	CategoryResearch: true, CategoryEntrepreneurship: true,
}

// Valid reports whether the category is a member of the closed set.
func (c Category) Valid() bool { return validCategories[c] }

// FundingType is the kind of funding instrument requested.
type FundingType string

const (
	FundingGrant       FundingType = "GRANT"
	FundingScholarship FundingType = "SCHOLARSHIP"
	FundingLoan        FundingType = "LOAN"
	FundingDonation    FundingType = "DONATION"
	FundingSubsidy     FundingType = "SUBSIDY"
)

var validFundingTypes = map[FundingType]bool{
	FundingGrant: true, FundingScholarship: true, FundingLoan: true,
	FundingDonation: true, FundingSubsidy: true,
}

// Valid reports whether the funding type is a member of the closed set.
func (f FundingType) Valid() bool { return validFundingTypes[f] }

// RecipientType identifies who would receive the funding.
type RecipientType string

const (
	RecipientK12School         RecipientType = "K12_SCHOOL"
	RecipientUniversity        RecipientType = "UNIVERSITY"
	RecipientNGO               RecipientType = "NGO"
	RecipientMunicipality      RecipientType = "MUNICIPALITY"
	RecipientSME               RecipientType = "SME"
	RecipientIndividual        RecipientType = "INDIVIDUAL"
	RecipientResearchInstitute RecipientType = "RESEARCH_INSTITUTE"
)

var validRecipientTypes = map[RecipientType]bool{
	RecipientK12School: true, RecipientUniversity: true, RecipientNGO: true,
	RecipientMunicipality: true, RecipientSME: true, RecipientIndividual: true,
	RecipientResearchInstitute: true,
}

// Valid reports whether the recipient type is a member of the closed set.
func (r RecipientType) Valid() bool { return validRecipientTypes[r] }

// Engine identifies an external search provider.
type Engine string

const (
	// EngineSearXNG is a self-hosted metasearch endpoint.
	EngineSearXNG Engine = "SEARXNG"
)

var validEngines = map[Engine]bool{
	EngineSearXNG: true,
}

// Valid reports whether the engine is a member of the closed set.
func (e Engine) Valid() bool { return validEngines[e] }

// SessionStatus is the lifecycle state of a discovery session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "RUNNING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"

	// SessionPartial marks a session where at least one batch
	// dead-lettered while others produced candidates.
	SessionPartial SessionStatus = "PARTIAL"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionPartial
}

// DomainStatus is the lifecycle state of a discovered domain.
type DomainStatus string

const (
	DomainDiscovered           DomainStatus = "DISCOVERED"
	DomainBlacklisted          DomainStatus = "BLACKLISTED"
	DomainProcessedHighQuality DomainStatus = "PROCESSED_HIGH_QUALITY"
	DomainProcessedLowQuality  DomainStatus = "PROCESSED_LOW_QUALITY"
	DomainFailed               DomainStatus = "FAILED"
)

// CandidateStatus is the review lifecycle state of a funding source
// candidate. This service only ever creates candidates in
// CandidatePendingCrawl; downstream collaborators advance the status.
type CandidateStatus string

const (
	CandidatePendingCrawl CandidateStatus = "PENDING_CRAWL"
	CandidateCrawled      CandidateStatus = "CRAWLED"
	CandidateReviewed     CandidateStatus = "REVIEWED"
	CandidateRejected     CandidateStatus = "REJECTED"
)

// Stage names a pipeline stage for error reporting and retry routing.
type Stage string

const (
	StageTrigger    Stage = "trigger"
	StageSearch     Stage = "search"
	StageValidation Stage = "validation"
	StageScoring    Stage = "scoring"
)

// ErrorType classifies a workflow failure. The classification decides
// retry versus dead-letter handling.
type ErrorType string

const (
	ErrorAdapterNetwork     ErrorType = "adapter.network"
	ErrorAdapterHTTP5xx     ErrorType = "adapter.http_5xx"
	ErrorAdapterHTTP4xx     ErrorType = "adapter.http_4xx"
	ErrorAdapterParse       ErrorType = "adapter.parse"
	ErrorUnsupportedEngine  ErrorType = "adapter.unsupported_engine"
	ErrorCacheUnavailable   ErrorType = "cache.unavailable"
	ErrorRegistryContention ErrorType = "registry.contention"
	ErrorScoringInput       ErrorType = "scoring.invalid_input"
	ErrorStageTimeout       ErrorType = "stage.timeout"
	ErrorStageFatal         ErrorType = "stage.fatal"
)

// Transient reports whether failures of this type are worth retrying.
func (e ErrorType) Transient() bool {
	switch e {
	case ErrorAdapterNetwork, ErrorAdapterHTTP5xx, ErrorCacheUnavailable,
		ErrorRegistryContention, ErrorStageTimeout:
		return true
	default:
		return false
	}
}

// ValidateRequestFields checks every enumerated field of an execution
// request against its closed set and returns the first violation.
func ValidateRequestFields(category Category, fundingType FundingType, recipientType RecipientType, engine Engine) error {
	if !category.Valid() {
		return fmt.Errorf("unknown category %q", category)
	}
	if !fundingType.Valid() {
		return fmt.Errorf("unknown funding type %q", fundingType)
	}
	if !recipientType.Valid() {
		return fmt.Errorf("unknown recipient type %q", recipientType)
	}
	if !engine.Valid() {
		return fmt.Errorf("unknown engine %q", engine)
	}
	return nil
}
