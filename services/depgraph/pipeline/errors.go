// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline turns per-file dependency facts into graph updates.
//
// Each file is committed in one store transaction: the file node, its
// resolved targets (stubs for files not yet analyzed, shared nodes for
// external and builtin packages) and the edges between them either all
// land or none do. Facts that fail validation or resolution become
// warnings on the file's result and never abort the rest of the file.
//
// Batches are prepared by a bounded worker pool and committed by a single
// writer goroutine, so the store only ever sees one writer.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFacts is returned when a file's facts cannot be ingested at
// all, for example a missing file path or an undecodable facts document.
var ErrInvalidFacts = errors.New("invalid facts")

// WarningKind classifies a skipped dependency fact.
type WarningKind string

const (
	// WarningInvalidFact marks a malformed fact (empty target, unknown kind).
	WarningInvalidFact WarningKind = "invalid_fact"

	// WarningUnresolved marks a target that could not be normalized.
	WarningUnresolved WarningKind = "unresolved"
)

// Warning records a dependency fact that was skipped.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Target  string      `json:"target"`
	Message string      `json:"message"`
}

// String renders the warning for logs and CLI output.
func (w Warning) String() string {
	return fmt.Sprintf("%s %q: %s", w.Kind, w.Target, w.Message)
}

// FileError represents a file that could not be ingested during a batch.
//
// It encodes as {"file_path", "error", "retryable"}. Retryable is false
// only for ErrInvalidFacts: resubmitting the same facts fails the same way.
type FileError struct {
	// FilePath is the path to the file that failed.
	FilePath string

	// Err is the underlying error.
	Err error
}

type fileErrorJSON struct {
	FilePath  string `json:"file_path"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// Retryable reports whether ingesting the same facts again may succeed.
func (e FileError) Retryable() bool {
	return !errors.Is(e.Err, ErrInvalidFacts)
}

// MarshalJSON implements json.Marshaler.
func (e FileError) MarshalJSON() ([]byte, error) {
	out := fileErrorJSON{FilePath: e.FilePath, Retryable: e.Retryable()}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. The decoded Err carries the
// message only; ErrInvalidFacts is restored for non-retryable errors.
func (e *FileError) UnmarshalJSON(data []byte) error {
	var in fileErrorJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	e.FilePath = in.FilePath
	switch {
	case in.Error == "":
		e.Err = nil
	case !in.Retryable:
		e.Err = fmt.Errorf("%w: %s", ErrInvalidFacts, strings.TrimPrefix(in.Error, ErrInvalidFacts.Error()+": "))
	default:
		e.Err = errors.New(in.Error)
	}
	return nil
}

// Error implements the error interface.
func (e FileError) Error() string {
	return fmt.Sprintf("file %s: %v", e.FilePath, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e FileError) Unwrap() error {
	return e.Err
}
