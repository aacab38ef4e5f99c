// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrEmptyDocument is returned (wrapped in a ParseError) when a document has no body, or its body is null.
var ErrEmptyDocument = errors.New("document is empty")

// ParseError is returned when one of the configuration documents can't be read or parsed.
type ParseError struct {
	// Path of the document that failed.
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %q: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError lists every required key missing or holding an invalid value.
// Keys are given with their dotted path within the document, e.g. "data_ingestion.source_URL".
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration in %q: %s", e.Path, strings.Join(e.Problems, "; "))
}

// validator accumulates problems while checking one document.
type validator struct {
	problems []string
}

func (v *validator) missing(key string) {
	v.problems = append(v.problems, fmt.Sprintf("missing required key %q", key))
}

func (v *validator) invalidf(key, format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf("invalid %q: %s", key, fmt.Sprintf(format, args...)))
}

func (v *validator) requireString(key, value string) {
	if strings.TrimSpace(value) == "" {
		v.missing(key)
	}
}

func (v *validator) err(path string) error {
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Path: path, Problems: v.problems}
}
