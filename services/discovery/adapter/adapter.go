// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package adapter abstracts external search engines behind a uniform
// interface. Each engine is one adapter; the registry dispatches by
// engine enum. Adapters never see stream machinery and stage logic
// never sees HTTP.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fundscout/fundscout/services/discovery/datatypes"
)

// Query is the engine-independent search input.
type Query struct {
	Text       string
	MaxResults int
}

// SearchAdapter executes one query against one engine.
type SearchAdapter interface {
	// Search runs the query and returns results in engine rank order.
	// Errors are *adapter.Error values carrying a classification.
	Search(ctx context.Context, query Query) ([]datatypes.SearchResult, error)

	// EngineType identifies the engine this adapter serves.
	EngineType() datatypes.Engine
}

// Error is a classified adapter failure.
type Error struct {
	Type    datatypes.ErrorType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a classified adapter error.
func NewError(errType datatypes.ErrorType, message string, cause error) *Error {
	return &Error{Type: errType, Message: message, Cause: cause}
}

// Classify extracts the error type from an adapter error chain,
// defaulting to stage.fatal for unclassified failures.
func Classify(err error) datatypes.ErrorType {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Type
	}
	return datatypes.ErrorStageFatal
}

// Registry maps engine enums to adapters. Safe for concurrent reads
// after registration.
type Registry struct {
	mu       sync.RWMutex
	adapters map[datatypes.Engine]SearchAdapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[datatypes.Engine]SearchAdapter)}
}

// Register adds an adapter, replacing any previous adapter for the
// same engine.
func (r *Registry) Register(a SearchAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.EngineType()] = a
}

// Get returns the adapter for an engine, or a classified
// unsupported-engine error.
func (r *Registry) Get(engine datatypes.Engine) (SearchAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[engine]
	if !ok {
		return nil, NewError(datatypes.ErrorUnsupportedEngine,
			fmt.Sprintf("no adapter registered for engine %s", engine), nil)
	}
	return a, nil
}

// Engines lists the registered engines.
func (r *Registry) Engines() []datatypes.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]datatypes.Engine, 0, len(r.adapters))
	for e := range r.adapters {
		out = append(out, e)
	}
	return out
}
