// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ImportKind says where an import target lives.
type ImportKind string

const (
	// ImportInternal is another file of the project.
	ImportInternal ImportKind = "internal"

	// ImportExternal is a third-party package.
	ImportExternal ImportKind = "external"

	// ImportBuiltin is a platform or standard library module.
	ImportBuiltin ImportKind = "builtin"
)

// ImportFact is one import statement with its source context.
type ImportFact struct {
	Target    string     `json:"target" validate:"required,max=4096"`
	Kind      ImportKind `json:"kind" validate:"required,oneof=internal external builtin"`
	Statement string     `json:"statement,omitempty"`
	Line      int        `json:"line,omitempty" validate:"gte=0"`
}

// FileFacts is the dependency facts extracted from one source file.
//
// The flat Internal/External/Builtin lists and the richer Imports list may
// be mixed; Imports are processed first so their statement text and line
// numbers win when the same target appears in both.
type FileFacts struct {
	FilePath string       `json:"file_path" validate:"required,max=4096"`
	Language string       `json:"language,omitempty"`
	Internal []string     `json:"internal,omitempty"`
	External []string     `json:"external,omitempty"`
	Builtin  []string     `json:"builtin,omitempty"`
	Imports  []ImportFact `json:"imports,omitempty"`
}

// Validate checks the file-level fields. Individual facts are checked
// during preparation and turned into warnings.
func (f FileFacts) Validate() error {
	if err := validate.Var(strings.TrimSpace(f.FilePath), "required,max=4096"); err != nil {
		return fmt.Errorf("%w: file_path: %v", ErrInvalidFacts, err)
	}
	return nil
}

// Facts returns every import fact in processing order.
func (f FileFacts) Facts() []ImportFact {
	out := make([]ImportFact, 0, len(f.Imports)+len(f.Internal)+len(f.External)+len(f.Builtin))
	out = append(out, f.Imports...)
	for _, t := range f.Internal {
		out = append(out, ImportFact{Target: t, Kind: ImportInternal})
	}
	for _, t := range f.External {
		out = append(out, ImportFact{Target: t, Kind: ImportExternal})
	}
	for _, t := range f.Builtin {
		out = append(out, ImportFact{Target: t, Kind: ImportBuiltin})
	}
	return out
}

func validateFact(fact ImportFact) error {
	return validate.Struct(fact)
}

// DecodeFacts reads facts documents from r.
//
// Description:
//
//	Accepts a JSON array of FileFacts, a single FileFacts object, or a
//	stream of objects (JSON lines). Unknown fields are ignored.
//
// Outputs:
//
//	[]FileFacts - The decoded documents in input order.
//	error - ErrInvalidFacts wrapping the decode error.
func DecodeFacts(r io.Reader) ([]FileFacts, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read facts: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return []FileFacts{}, nil
	}

	if data[0] == '[' {
		var facts []FileFacts
		if err := json.Unmarshal(data, &facts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFacts, err)
		}
		return facts, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	facts := make([]FileFacts, 0)
	for {
		var f FileFacts
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			return facts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: document %d: %v", ErrInvalidFacts, len(facts)+1, err)
		}
		facts = append(facts, f)
	}
}
