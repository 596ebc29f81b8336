// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fundscout/fundscout/pkg/logging"
	"github.com/fundscout/fundscout/services/discovery/adapter"
	"github.com/fundscout/fundscout/services/discovery/blacklist"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
	"github.com/fundscout/fundscout/services/discovery/registry"
	"github.com/fundscout/fundscout/services/discovery/repository"
	"github.com/fundscout/fundscout/services/discovery/scoring"
	"github.com/fundscout/fundscout/services/discovery/session"
	"github.com/fundscout/fundscout/services/discovery/stream"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

// env bundles everything a pipeline test needs.
type env struct {
	bus          *stream.Bus
	client       *redis.Client
	registry     registry.Service
	cache        *blacklist.Cache
	orchestrator *session.Orchestrator
	sessions     repository.SessionRepository
	candidates   repository.CandidateRepository
	errors       repository.ErrorRepository
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bus, err := stream.NewBus(client, quietLogger())
	if err != nil {
		t.Fatalf("NewBus failed: %v", err)
	}

	db, err := repository.Open("")
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg, err := registry.NewBadgerRegistry(db, quietLogger())
	if err != nil {
		t.Fatalf("NewBadgerRegistry failed: %v", err)
	}
	cache, err := blacklist.NewCache(reg, quietLogger())
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	sessions := repository.NewBadgerSessions(db)
	orch, err := session.NewOrchestrator(sessions, quietLogger())
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	return &env{
		bus:          bus,
		client:       client,
		registry:     reg,
		cache:        cache,
		orchestrator: orch,
		sessions:     sessions,
		candidates:   repository.NewBadgerCandidates(db),
		errors:       repository.NewBadgerErrors(db),
	}
}

func TestTemplateGeneratorDeterministic(t *testing.T) {
	gen := NewTemplateGenerator()
	req := datatypes.ExecutionRequest{
		Category:      datatypes.CategoryEducation,
		Region:        "BG",
		FundingType:   datatypes.FundingScholarship,
		RecipientType: datatypes.RecipientK12School,
		Engine:        datatypes.EngineSearXNG,
	}

	first, err := gen.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(first) != 4 {
		t.Fatalf("expected 4 queries, got %d", len(first))
	}
	for _, q := range first {
		if q == "" {
			t.Error("empty query generated")
		}
	}

	second, _ := gen.Generate(context.Background(), req)
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("query %d differs between runs: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestTemplateGeneratorUnknownRegionFallsBack(t *testing.T) {
	gen := NewTemplateGenerator()
	queries, err := gen.Generate(context.Background(), datatypes.ExecutionRequest{
		Category:      datatypes.CategoryResearch,
		Region:        "xx",
		FundingType:   datatypes.FundingGrant,
		RecipientType: datatypes.RecipientUniversity,
		Engine:        datatypes.EngineSearXNG,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for _, q := range queries {
		if q == "" {
			t.Error("empty query")
		}
	}
}

func TestTriggerPublishesOneEventPerQuery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	trigger, err := NewTrigger(NewTemplateGenerator(), e.bus, e.orchestrator, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewTrigger failed: %v", err)
	}

	result, err := trigger.Execute(ctx, datatypes.ExecutionRequest{
		Category:      datatypes.CategoryEducation,
		Region:        "BG",
		FundingType:   datatypes.FundingGrant,
		RecipientType: datatypes.RecipientNGO,
		Engine:        datatypes.EngineSearXNG,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.QueriesEmitted != 4 {
		t.Errorf("queriesEmitted = %d, want 4", result.QueriesEmitted)
	}
	if result.RequestID == "" || result.SessionID == "" {
		t.Error("ids not allocated")
	}

	var total int64
	for p := 0; p < e.bus.Partitions(); p++ {
		n, _ := e.client.XLen(ctx, e.bus.StreamName(datatypes.TopicSearchRequests, p)).Result()
		total += n
	}
	if total != 4 {
		t.Errorf("stream holds %d events, want 4", total)
	}

	live, err := e.orchestrator.Status(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if live.Status != datatypes.SessionRunning || live.QueriesEmitted != 4 {
		t.Errorf("unexpected session: %+v", live)
	}
}

func TestTriggerRejectsInvalidRequest(t *testing.T) {
	e := newEnv(t)

	trigger, _ := NewTrigger(NewTemplateGenerator(), e.bus, e.orchestrator, nil, quietLogger())
	_, err := trigger.Execute(context.Background(), datatypes.ExecutionRequest{
		Category:      "COSMETOLOGY",
		Region:        "BG",
		FundingType:   datatypes.FundingGrant,
		RecipientType: datatypes.RecipientNGO,
		Engine:        datatypes.EngineSearXNG,
	})
	if err == nil {
		t.Fatal("invalid category accepted")
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, datatypes.ExecutionRequest) ([]string, error) {
	return nil, context.DeadlineExceeded
}

func TestTriggerGeneratorFailureRecordsNoSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	trigger, _ := NewTrigger(failingGenerator{}, e.bus, e.orchestrator, nil, quietLogger())
	_, err := trigger.Execute(ctx, datatypes.ExecutionRequest{
		Category:      datatypes.CategoryEducation,
		Region:        "BG",
		FundingType:   datatypes.FundingGrant,
		RecipientType: datatypes.RecipientNGO,
		Engine:        datatypes.EngineSearXNG,
	})
	if err == nil {
		t.Fatal("expected generator failure")
	}

	for p := 0; p < e.bus.Partitions(); p++ {
		if n, _ := e.client.XLen(ctx, e.bus.StreamName(datatypes.TopicSearchRequests, p)).Result(); n != 0 {
			t.Errorf("events published despite generator failure")
		}
	}
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		count int
		want  time.Duration
	}{
		{0, 200 * time.Millisecond},
		{1, 400 * time.Millisecond},
		{2, 800 * time.Millisecond},
		{5, 6400 * time.Millisecond},
		{6, 8 * time.Second}, // capped
		{10, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := retryDelay(tc.count); got != tc.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tc.count, got, tc.want)
		}
	}
}

func TestBumpRetryCount(t *testing.T) {
	original, _ := json.Marshal(datatypes.SearchRequestEvent{
		RequestID: "req-1",
		QueryText: "education grants",
	})

	bumped, err := bumpRetryCount(original, 2)
	if err != nil {
		t.Fatalf("bumpRetryCount failed: %v", err)
	}

	var event datatypes.SearchRequestEvent
	if err := json.Unmarshal(bumped, &event); err != nil {
		t.Fatalf("unmarshal bumped payload: %v", err)
	}
	if event.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", event.RetryCount)
	}
	if event.RequestID != "req-1" || event.QueryText != "education grants" {
		t.Errorf("payload mutated beyond retryCount: %+v", event)
	}

	if _, err := bumpRetryCount([]byte("not json"), 1); err == nil {
		t.Error("invalid payload accepted")
	}
}

func TestErrorStageRetriesTransientFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	stage, err := NewErrorStage(e.bus, e.errors, e.orchestrator, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewErrorStage failed: %v", err)
	}

	original, _ := json.Marshal(datatypes.SearchRequestEvent{
		RequestID: "req-1",
		SessionID: "sess-1",
		QueryText: "education grants",
		Engine:    datatypes.EngineSearXNG,
	})
	event := datatypes.WorkflowErrorEvent{
		RequestID:       "req-1",
		SessionID:       "sess-1",
		Stage:           datatypes.StageSearch,
		ErrorType:       datatypes.ErrorAdapterNetwork,
		ErrorMessage:    "connection refused",
		RetryCount:      0,
		OriginalPayload: original,
		Timestamp:       time.Now().UTC(),
	}
	payload, _ := json.Marshal(event)

	key := datatypes.PartitionKey("sess-1", "req-1", datatypes.EngineSearXNG)
	if err := stage.Handle(ctx, stream.Message{Topic: datatypes.TopicWorkflowErrors, Key: key, Payload: payload}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	// The original payload is back on the requests stream with the retry
	// count bumped.
	streamName := e.bus.StreamName(datatypes.TopicSearchRequests, e.bus.PartitionFor(key))
	entries, err := e.client.XRange(ctx, streamName, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 re-published event, got %d", len(entries))
	}
	var replayed datatypes.SearchRequestEvent
	if err := json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &replayed); err != nil {
		t.Fatalf("decode replayed event: %v", err)
	}
	if replayed.RetryCount != 1 {
		t.Errorf("replayed retryCount = %d, want 1", replayed.RetryCount)
	}
	if replayed.QueryText != "education grants" {
		t.Errorf("replayed payload mutated: %+v", replayed)
	}

	records, _ := e.errors.ListBySession(ctx, "sess-1")
	if len(records) != 1 || records[0].DeadLettered {
		t.Errorf("expected 1 non-dead-letter record, got %+v", records)
	}
}

func TestErrorStageDeadLettersPermanentFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sess, err := e.orchestrator.Open(ctx, "req-1", 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	stage, _ := NewErrorStage(e.bus, e.errors, e.orchestrator, nil, quietLogger())

	original, _ := json.Marshal(datatypes.SearchRequestEvent{RequestID: "req-1", SessionID: sess.SessionID})
	event := datatypes.WorkflowErrorEvent{
		RequestID:       "req-1",
		SessionID:       sess.SessionID,
		Stage:           datatypes.StageSearch,
		ErrorType:       datatypes.ErrorAdapterHTTP4xx,
		ErrorMessage:    "status 403",
		OriginalPayload: original,
		Timestamp:       time.Now().UTC(),
	}
	payload, _ := json.Marshal(event)

	if err := stage.Handle(ctx, stream.Message{Key: "k", Payload: payload}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	dead, _ := e.errors.ListDeadLetters(ctx, 10)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}

	// The only batch dead-lettered, so the session failed.
	final, err := e.orchestrator.Status(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if final.Status != datatypes.SessionFailed {
		t.Errorf("status = %s, want FAILED", final.Status)
	}
}

func TestErrorStageDeadLettersAfterRetryCeiling(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	stage, _ := NewErrorStage(e.bus, e.errors, e.orchestrator, nil, quietLogger())

	original, _ := json.Marshal(datatypes.SearchRequestEvent{RequestID: "req-1", SessionID: "sess-1", RetryCount: 3})
	event := datatypes.WorkflowErrorEvent{
		RequestID:       "req-1",
		SessionID:       "sess-1",
		Stage:           datatypes.StageSearch,
		ErrorType:       datatypes.ErrorAdapterNetwork,
		ErrorMessage:    "still refusing",
		RetryCount:      3,
		OriginalPayload: original,
		Timestamp:       time.Now().UTC(),
	}
	payload, _ := json.Marshal(event)

	if err := stage.Handle(ctx, stream.Message{Key: "k", Payload: payload}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	dead, _ := e.errors.ListDeadLetters(ctx, 10)
	if len(dead) != 1 {
		t.Fatalf("transient failure at the ceiling must dead-letter, got %d records", len(dead))
	}
}

// staticAdapter returns a fixed result page for every query.
type staticAdapter struct {
	results []datatypes.SearchResult
}

func (a *staticAdapter) EngineType() datatypes.Engine { return datatypes.EngineSearXNG }

func (a *staticAdapter) Search(context.Context, adapter.Query) ([]datatypes.SearchResult, error) {
	out := make([]datatypes.SearchResult, len(a.results))
	copy(out, a.results)
	return out, nil
}

func TestPipelineEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	adapters := adapter.NewRegistry()
	adapters.Register(&staticAdapter{results: []datatypes.SearchResult{
		{
			URL:         "https://fund.gov.bg/education-grants",
			Title:       "Education Grants from the Ministry of Education",
			Description: "Apply for school funding grants in Bulgaria and Sofia. Deadline June.",
			Engine:      datatypes.EngineSearXNG,
			Rank:        1,
		},
		{
			URL:         "https://someone.blogspot.com/seaside",
			Title:       "My trip to the seaside",
			Description: "Photos from summer",
			Engine:      datatypes.EngineSearXNG,
			Rank:        2,
		},
		{
			URL:    "not a url",
			Title:  "broken",
			Engine: datatypes.EngineSearXNG,
			Rank:   3,
		},
	}})

	scorer, err := scoring.NewDefault(scoring.DefaultTables())
	if err != nil {
		t.Fatalf("NewDefault failed: %v", err)
	}

	searchStage, err := NewSearchStage(e.bus, adapters, SearchStageConfig{EngineRPS: 100}, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewSearchStage failed: %v", err)
	}
	validateStage, err := NewValidationStage(e.bus, e.cache, e.registry, e.orchestrator, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewValidationStage failed: %v", err)
	}
	scoreStage, err := NewScoringStage(e.bus, scorer, e.candidates, e.registry, e.orchestrator, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewScoringStage failed: %v", err)
	}
	errorStage, err := NewErrorStage(e.bus, e.errors, e.orchestrator, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewErrorStage failed: %v", err)
	}

	workers, err := NewWorkers(e.bus, WorkersConfig{Instance: "test-0"}, searchStage, validateStage, scoreStage, errorStage, quietLogger())
	if err != nil {
		t.Fatalf("NewWorkers failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- workers.Run(runCtx) }()

	trigger, _ := NewTrigger(NewTemplateGenerator(), e.bus, e.orchestrator, nil, quietLogger())
	result, err := trigger.Execute(ctx, datatypes.ExecutionRequest{
		Category:      datatypes.CategoryEducation,
		Region:        "BG",
		FundingType:   datatypes.FundingGrant,
		RecipientType: datatypes.RecipientK12School,
		Engine:        datatypes.EngineSearXNG,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var final *datatypes.DiscoverySession
	deadline := time.After(15 * time.Second)
	for final == nil {
		select {
		case <-deadline:
			t.Fatal("session did not reach a terminal state")
		case <-time.After(50 * time.Millisecond):
			s, err := e.orchestrator.Status(ctx, result.SessionID)
			if err == nil && s.Status.Terminal() {
				final = s
			}
		}
	}
	cancel()
	<-done

	if final.Status != datatypes.SessionCompleted {
		t.Errorf("status = %s, want COMPLETED", final.Status)
	}
	// The government page is admitted once; every later batch sees its
	// host as a session duplicate.
	if final.CandidatesFound != 1 {
		t.Errorf("candidatesFound = %d, want 1", final.CandidatesFound)
	}
	if final.DuplicatesDetected == 0 {
		t.Error("expected session duplicates across the four query batches")
	}

	candidates, err := e.candidates.ListBySession(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("ListBySession failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 persisted candidate, got %d", len(candidates))
	}
	c := candidates[0]
	if c.DomainName != "fund.gov.bg" || c.Status != datatypes.CandidatePendingCrawl {
		t.Errorf("unexpected candidate: %+v", c)
	}
	if !c.ConfidenceScore.Passing() {
		t.Errorf("candidate score %s below threshold", c.ConfidenceScore)
	}

	domain, err := e.registry.Lookup(ctx, "fund.gov.bg")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if domain.Status != datatypes.DomainProcessedHighQuality {
		t.Errorf("domain status = %s, want PROCESSED_HIGH_QUALITY", domain.Status)
	}
	if domain.HighQualityCount != 1 {
		t.Errorf("highQualityCount = %d, want 1", domain.HighQualityCount)
	}

	blog, err := e.registry.Lookup(ctx, "someone.blogspot.com")
	if err != nil {
		t.Fatalf("Lookup blog failed: %v", err)
	}
	if blog.LowQualityCount != 1 {
		t.Errorf("blog lowQualityCount = %d, want 1", blog.LowQualityCount)
	}
}

func workflowErrorEvents(t *testing.T, e *env) []datatypes.WorkflowErrorEvent {
	t.Helper()

	ctx := context.Background()
	var out []datatypes.WorkflowErrorEvent
	for p := 0; p < e.bus.Partitions(); p++ {
		entries, err := e.client.XRange(ctx, e.bus.StreamName(datatypes.TopicWorkflowErrors, p), "-", "+").Result()
		if err != nil {
			t.Fatalf("XRange failed: %v", err)
		}
		for _, entry := range entries {
			var event datatypes.WorkflowErrorEvent
			if err := json.Unmarshal([]byte(entry.Values["payload"].(string)), &event); err != nil {
				t.Fatalf("decode workflow error: %v", err)
			}
			out = append(out, event)
		}
	}
	return out
}

func TestStageDeadlineConvertsOverrunToTimeoutError(t *testing.T) {
	e := newEnv(t)

	blocking := func(ctx context.Context, msg stream.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}
	wrapped := stageDeadline(e.bus, datatypes.StageValidation, 50*time.Millisecond, blocking, quietLogger())

	payload, _ := json.Marshal(datatypes.SearchResultsRawEvent{
		RequestID:  "req-1",
		SessionID:  "sess-1",
		Engine:     datatypes.EngineSearXNG,
		RetryCount: 1,
	})
	msg := stream.Message{Topic: datatypes.TopicSearchResultsRaw, ID: "1-1", Key: "k", Payload: payload}
	if err := wrapped(context.Background(), msg); err != nil {
		t.Fatalf("wrapped handler failed: %v", err)
	}

	events := workflowErrorEvents(t, e)
	if len(events) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(events))
	}
	got := events[0]
	if got.ErrorType != datatypes.ErrorStageTimeout {
		t.Errorf("errorType = %s, want %s", got.ErrorType, datatypes.ErrorStageTimeout)
	}
	if got.Stage != datatypes.StageValidation {
		t.Errorf("stage = %s, want %s", got.Stage, datatypes.StageValidation)
	}
	if got.RequestID != "req-1" || got.SessionID != "sess-1" || got.RetryCount != 1 {
		t.Errorf("envelope not carried over: %+v", got)
	}
	if !bytes.Equal(got.OriginalPayload, payload) {
		t.Error("original payload must ride along for the retry")
	}
	if !got.ErrorType.Transient() {
		t.Error("timeout must classify as transient so the error handler retries it")
	}
}

func TestStageDeadlinePassesThroughOtherFailures(t *testing.T) {
	e := newEnv(t)

	sentinel := context.Canceled
	failing := func(context.Context, stream.Message) error { return sentinel }
	wrapped := stageDeadline(e.bus, datatypes.StageScoring, time.Second, failing, quietLogger())

	err := wrapped(context.Background(), stream.Message{ID: "1-1", Key: "k"})
	if err != sentinel {
		t.Fatalf("expected handler error back, got %v", err)
	}
	if events := workflowErrorEvents(t, e); len(events) != 0 {
		t.Fatalf("non-timeout failure must not publish, got %d events", len(events))
	}
}

func TestValidationDropsBlacklistedHosts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if err := e.registry.MarkBlacklisted(ctx, "gambling.example", "operator decision"); err != nil {
		t.Fatalf("MarkBlacklisted failed: %v", err)
	}

	sess, err := e.orchestrator.Open(ctx, "req-1", 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	stage, err := NewValidationStage(e.bus, e.cache, e.registry, e.orchestrator, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewValidationStage failed: %v", err)
	}

	event := datatypes.SearchResultsRawEvent{
		RequestID: "req-1",
		SessionID: sess.SessionID,
		Engine:    datatypes.EngineSearXNG,
		Results: []datatypes.SearchResult{
			{URL: "https://gambling.example/casino", Title: "casino", Rank: 1},
			{URL: "https://gambling.example/poker", Title: "poker", Rank: 2},
			{URL: "https://fund.gov.bg/grants", Title: "grants", Rank: 3},
		},
		Timestamp: time.Now().UTC(),
	}
	payload, _ := json.Marshal(event)
	key := datatypes.PartitionKey(sess.SessionID, "req-1", datatypes.EngineSearXNG)

	if err := stage.Handle(ctx, stream.Message{Topic: datatypes.TopicSearchResultsRaw, Key: key, Payload: payload}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	streamName := e.bus.StreamName(datatypes.TopicSearchValidated, e.bus.PartitionFor(key))
	entries, err := e.client.XRange(ctx, streamName, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 validated event, got %d", len(entries))
	}
	var validated datatypes.SearchResultsValidatedEvent
	if err := json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &validated); err != nil {
		t.Fatalf("decode validated event: %v", err)
	}
	if len(validated.ValidResults) != 1 || validated.ValidResults[0].URL != "https://fund.gov.bg/grants" {
		t.Errorf("unexpected survivors: %+v", validated.ValidResults)
	}
	if validated.Stats.BlacklistedDropped != 2 {
		t.Errorf("blacklistedDropped = %d, want 2", validated.Stats.BlacklistedDropped)
	}
	if validated.Stats.RegisteredNew != 1 {
		t.Errorf("registeredNew = %d, want 1", validated.Stats.RegisteredNew)
	}

	live, err := e.orchestrator.Status(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if live.BlacklistedDropped != 2 {
		t.Errorf("session blacklistedDropped = %d, want 2", live.BlacklistedDropped)
	}

	// The blacklisted domain record is untouched by the drop.
	domain, err := e.registry.Lookup(ctx, "gambling.example")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if domain.Status != datatypes.DomainBlacklisted {
		t.Errorf("domain status = %s, want BLACKLISTED", domain.Status)
	}
}

// downSource refuses every blacklist query.
type downSource struct{}

func (downSource) IsBlacklisted(context.Context, string) (bool, error) {
	return false, context.DeadlineExceeded
}

func TestValidationFallsBackWhenCacheUnavailable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if err := e.registry.MarkBlacklisted(ctx, "gambling.example", "operator decision"); err != nil {
		t.Fatalf("MarkBlacklisted failed: %v", err)
	}
	sess, err := e.orchestrator.Open(ctx, "req-1", 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	brokenCache, err := blacklist.NewCache(downSource{}, quietLogger())
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	stage, err := NewValidationStage(e.bus, brokenCache, e.registry, e.orchestrator, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewValidationStage failed: %v", err)
	}

	event := datatypes.SearchResultsRawEvent{
		RequestID: "req-1",
		SessionID: sess.SessionID,
		Engine:    datatypes.EngineSearXNG,
		Results: []datatypes.SearchResult{
			{URL: "https://gambling.example/casino", Title: "casino", Rank: 1},
			{URL: "https://fund.gov.bg/grants", Title: "grants", Rank: 2},
		},
		Timestamp: time.Now().UTC(),
	}
	payload, _ := json.Marshal(event)
	key := datatypes.PartitionKey(sess.SessionID, "req-1", datatypes.EngineSearXNG)

	if err := stage.Handle(ctx, stream.Message{Topic: datatypes.TopicSearchResultsRaw, Key: key, Payload: payload}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	// Degraded mode is logged only; the registry answers directly and
	// the batch proceeds without an error-stream event.
	if events := workflowErrorEvents(t, e); len(events) != 0 {
		t.Fatalf("cache failure must not reach the error stream, got %+v", events)
	}

	streamName := e.bus.StreamName(datatypes.TopicSearchValidated, e.bus.PartitionFor(key))
	entries, err := e.client.XRange(ctx, streamName, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 validated event, got %d", len(entries))
	}
	var validated datatypes.SearchResultsValidatedEvent
	if err := json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &validated); err != nil {
		t.Fatalf("decode validated event: %v", err)
	}
	if len(validated.ValidResults) != 1 || validated.ValidResults[0].URL != "https://fund.gov.bg/grants" {
		t.Errorf("unexpected survivors: %+v", validated.ValidResults)
	}
	if validated.Stats.BlacklistedDropped != 1 {
		t.Errorf("blacklistedDropped = %d, want 1", validated.Stats.BlacklistedDropped)
	}
}

// flakyRegistry fails RecordLowQuality for one host a limited number of
// times, then behaves like the wrapped registry.
type flakyRegistry struct {
	registry.Service
	failHost string
	failures int
}

func (f *flakyRegistry) RecordLowQuality(ctx context.Context, domainName string, score datatypes.Score) error {
	if domainName == f.failHost && f.failures > 0 {
		f.failures--
		return registry.ErrContention
	}
	return f.Service.RecordLowQuality(ctx, domainName, score)
}

func TestScoringRetryDoesNotDoubleCountResults(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sess, err := e.orchestrator.Open(ctx, "req-1", 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, host := range []string{"first.example", "second.example"} {
		if _, err := e.registry.EnsureDiscovered(ctx, host); err != nil {
			t.Fatalf("EnsureDiscovered %s failed: %v", host, err)
		}
	}

	scorer, err := scoring.NewDefault(scoring.DefaultTables())
	if err != nil {
		t.Fatalf("NewDefault failed: %v", err)
	}

	flaky := &flakyRegistry{Service: e.registry, failHost: "second.example", failures: 1}
	stage, err := NewScoringStage(e.bus, scorer, e.candidates, flaky, e.orchestrator, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewScoringStage failed: %v", err)
	}

	event := datatypes.SearchResultsValidatedEvent{
		RequestID: "req-1",
		SessionID: sess.SessionID,
		Engine:    datatypes.EngineSearXNG,
		ValidResults: []datatypes.SearchResult{
			{URL: "https://first.example/blog", Title: "My trip to the seaside", Description: "Photos from summer", Rank: 1},
			{URL: "https://second.example/journal", Title: "Another travel diary", Description: "More photos", Rank: 2},
		},
		Timestamp: time.Now().UTC(),
	}
	payload, _ := json.Marshal(event)
	key := datatypes.PartitionKey(sess.SessionID, "req-1", datatypes.EngineSearXNG)
	msg := stream.Message{Topic: datatypes.TopicSearchValidated, Key: key, Payload: payload}

	// First delivery: the first result is applied, the second hits
	// registry contention and the batch lands on the error stream.
	if err := stage.Handle(ctx, msg); err != nil {
		t.Fatalf("first Handle failed: %v", err)
	}
	events := workflowErrorEvents(t, e)
	if len(events) != 1 || events[0].ErrorType != datatypes.ErrorRegistryContention {
		t.Fatalf("expected 1 contention event, got %+v", events)
	}

	// Redelivery of the same batch, as the error handler would do.
	if err := stage.Handle(ctx, msg); err != nil {
		t.Fatalf("second Handle failed: %v", err)
	}

	for _, host := range []string{"first.example", "second.example"} {
		domain, err := e.registry.Lookup(ctx, host)
		if err != nil {
			t.Fatalf("Lookup %s failed: %v", host, err)
		}
		if domain.LowQualityCount != 1 {
			t.Errorf("%s lowQualityCount = %d after one real sighting, want 1", host, domain.LowQualityCount)
		}
	}

	final, err := e.orchestrator.Status(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !final.Status.Terminal() {
		t.Fatalf("session still %s after the retry settled the batch", final.Status)
	}
	if final.ScoredResults != 2 {
		t.Errorf("scoredResults = %d, want 2 (each result judged exactly once)", final.ScoredResults)
	}
	if final.CandidatesFound != 0 {
		t.Errorf("candidatesFound = %d, want 0", final.CandidatesFound)
	}
}
