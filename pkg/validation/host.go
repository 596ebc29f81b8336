// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for
// security-critical operations.
//
// This package contains validators for values that end up in store keys,
// stream payloads, or log lines: host names extracted from search result
// URLs and user-provided query text. Using these validators keeps
// malformed or hostile input out of the pipeline at the edges.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// hostPattern matches a DNS host name: dot-separated labels of letters,
// digits, and hyphens. Max total length 253 characters per RFC 1035.
var hostPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9\-]{0,62})(\.[a-z0-9]([a-z0-9\-]{0,62}))*$`)

// HostFromURL extracts the lowercased host from a raw URL string.
//
// The scheme must be http or https and the host must be a syntactically
// valid DNS name. IPv4/IPv6 literals and hosts with ports are rejected:
// the pipeline keys domains by name, not by endpoint.
//
// Returns the lowercased host, or an error if the URL cannot be used as
// a domain key.
func HostFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	if u.Port() != "" {
		return "", fmt.Errorf("url %q carries an explicit port", raw)
	}
	if err := ValidateHost(host); err != nil {
		return "", err
	}
	return host, nil
}

// ValidateHost validates a lowercased DNS host name.
func ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if len(host) > 253 {
		return fmt.Errorf("host exceeds 253 characters")
	}
	if !hostPattern.MatchString(host) {
		return fmt.Errorf("invalid host format: %q", host)
	}
	return nil
}

// SanitizeQueryText normalizes query text for publication on the
// requests stream. Collapses internal whitespace, trims the ends, and
// rejects control characters and empty results.
func SanitizeQueryText(text string) (string, error) {
	cleaned := strings.Join(strings.Fields(text), " ")
	if cleaned == "" {
		return "", fmt.Errorf("query text cannot be empty")
	}
	if len(cleaned) > 512 {
		return "", fmt.Errorf("query text exceeds 512 characters")
	}
	for _, r := range cleaned {
		if r < 0x20 {
			return "", fmt.Errorf("query text contains control characters")
		}
	}
	return cleaned, nil
}
