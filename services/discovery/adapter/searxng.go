// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/fundscout/fundscout/pkg/logging"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
)

const (
	// searxngMaxBody caps response reads. SearXNG answers for a single
	// page are far below this.
	searxngMaxBody = 4 << 20

	// maxHTTPTimeout is the ceiling on one full round trip;
	// dialTimeout bounds connection establishment separately.
	maxHTTPTimeout = 10 * time.Second
	dialTimeout    = 2 * time.Second
)

// SearXNG queries a self-hosted SearXNG metasearch instance through its
// JSON API.
type SearXNG struct {
	baseURL string
	client  *http.Client
	logger  *logging.Logger
}

// SearXNGConfig configures a SearXNG adapter.
type SearXNGConfig struct {
	// BaseURL is the instance root, e.g. "http://searxng:8080".
	BaseURL string

	// Timeout bounds one HTTP round trip. Default and ceiling 10s.
	Timeout time.Duration
}

// NewSearXNG creates a SearXNG adapter.
func NewSearXNG(cfg SearXNGConfig, logger *logging.Logger) (*SearXNG, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("searxng base URL is required")
	}
	if cfg.Timeout <= 0 || cfg.Timeout > maxHTTPTimeout {
		cfg.Timeout = maxHTTPTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SearXNG{
		baseURL: cfg.BaseURL,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
				TLSHandshakeTimeout: dialTimeout,
				MaxIdleConnsPerHost: 4,
			},
		},
		logger: logger.With("engine", datatypes.EngineSearXNG),
	}, nil
}

// EngineType returns SEARXNG.
func (s *SearXNG) EngineType() datatypes.Engine {
	return datatypes.EngineSearXNG
}

// searxngResponse mirrors the JSON API shape. Fields the pipeline does
// not use are omitted.
type searxngResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs one query against the instance and returns results in
// engine rank order, truncated to query.MaxResults.
func (s *SearXNG) Search(ctx context.Context, query Query) ([]datatypes.SearchResult, error) {
	params := url.Values{}
	params.Set("q", query.Text)
	params.Set("format", "json")
	params.Set("pageno", "1")

	reqURL := s.baseURL + "/search?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, NewError(datatypes.ErrorStageFatal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NewError(datatypes.ErrorAdapterNetwork, "searxng request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, searxngMaxBody))
	if err != nil {
		return nil, NewError(datatypes.ErrorAdapterNetwork, "read searxng response", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewError(datatypes.ErrorAdapterHTTP5xx,
			fmt.Sprintf("searxng returned status %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, NewError(datatypes.ErrorAdapterHTTP4xx,
			fmt.Sprintf("searxng returned status %d", resp.StatusCode), nil)
	}

	var parsed searxngResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, NewError(datatypes.ErrorAdapterParse, "decode searxng response", err)
	}

	now := time.Now().UTC()
	results := make([]datatypes.SearchResult, 0, len(parsed.Results))
	for i, r := range parsed.Results {
		if query.MaxResults > 0 && len(results) >= query.MaxResults {
			break
		}
		if r.URL == "" {
			continue
		}
		results = append(results, datatypes.SearchResult{
			URL:          r.URL,
			Title:        r.Title,
			Description:  r.Content,
			Engine:       datatypes.EngineSearXNG,
			Rank:         i + 1,
			DiscoveredAt: now,
		})
	}

	s.logger.Debug("searxng query executed",
		"query", query.Text,
		"results", len(results),
		"elapsed_ms", time.Since(started).Milliseconds())
	return results, nil
}
