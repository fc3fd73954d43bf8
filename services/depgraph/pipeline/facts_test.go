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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFacts(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "array",
			input: `[{"file_path":"/p/a.ts","internal":["./b"]},{"file_path":"/p/b.ts"}]`,
			want:  []string{"/p/a.ts", "/p/b.ts"},
		},
		{
			name:  "single object",
			input: `{"file_path":"/p/a.ts","external":["lodash"]}`,
			want:  []string{"/p/a.ts"},
		},
		{
			name:  "json lines",
			input: "{\"file_path\":\"/p/a.ts\"}\n{\"file_path\":\"/p/b.ts\"}\n\n{\"file_path\":\"/p/c.ts\"}\n",
			want:  []string{"/p/a.ts", "/p/b.ts", "/p/c.ts"},
		},
		{
			name:  "empty",
			input: "  \n",
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts, err := DecodeFacts(strings.NewReader(tt.input))
			require.NoError(t, err)
			got := make([]string, 0, len(facts))
			for _, f := range facts {
				got = append(got, f.FilePath)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeFacts_Invalid(t *testing.T) {
	_, err := DecodeFacts(strings.NewReader(`[{"file_path": 3}]`))
	assert.ErrorIs(t, err, ErrInvalidFacts)

	_, err = DecodeFacts(strings.NewReader("{\"file_path\":\"/p/a.ts\"}\n{broken"))
	assert.ErrorIs(t, err, ErrInvalidFacts)
}

func TestDecodeFacts_ImportsWithContext(t *testing.T) {
	facts, err := DecodeFacts(strings.NewReader(`{
		"file_path": "/p/a.go",
		"language": "go",
		"imports": [{"target": "fmt", "kind": "builtin", "statement": "import \"fmt\"", "line": 3}]
	}`))
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Len(t, facts[0].Imports, 1)
	assert.Equal(t, ImportBuiltin, facts[0].Imports[0].Kind)
	assert.Equal(t, 3, facts[0].Imports[0].Line)
}

func TestFileFacts_FactsOrder(t *testing.T) {
	f := FileFacts{
		Internal: []string{"./a"},
		External: []string{"x"},
		Builtin:  []string{"os"},
		Imports:  []ImportFact{{Target: "./z", Kind: ImportInternal}},
	}
	facts := f.Facts()
	require.Len(t, facts, 4)
	assert.Equal(t, "./z", facts[0].Target)
	assert.Equal(t, ImportInternal, facts[1].Kind)
	assert.Equal(t, ImportExternal, facts[2].Kind)
	assert.Equal(t, ImportBuiltin, facts[3].Kind)
}

func TestPathResolver(t *testing.T) {
	rooted := PathResolver{Root: "/proj"}
	bare := PathResolver{}

	tests := []struct {
		name     string
		resolver PathResolver
		from     string
		target   string
		want     string
		wantErr  bool
	}{
		{"relative sibling", rooted, "/proj/src/a.ts", "./b.ts", "/proj/src/b.ts", false},
		{"relative parent", rooted, "/proj/src/a.ts", "../lib/c.ts", "/proj/lib/c.ts", false},
		{"root relative", rooted, "/proj/src/a.ts", "lib/c.ts", "/proj/lib/c.ts", false},
		{"bare falls back to dir", bare, "/proj/src/a.ts", "lib/c.ts", "/proj/src/lib/c.ts", false},
		{"absolute", rooted, "/proj/src/a.ts", "/other/x.ts", "/other/x.ts", false},
		{"cleans dots", rooted, "/proj/src/a.ts", "./x/../y.ts", "/proj/src/y.ts", false},
		{"backslashes", rooted, "/proj/src/a.ts", `.\win.ts`, "/proj/src/win.ts", false},
		{"empty", rooted, "/proj/src/a.ts", "", "", true},
		{"escapes root", rooted, "/proj/a.ts", "../../..", "", true},
		{"relative file escapes", bare, "a.ts", "../b.ts", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.resolver.ResolveImport(tt.from, tt.target)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrUnresolvable), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPathResolver_ResolveFile(t *testing.T) {
	got, err := PathResolver{Root: "/proj/"}.ResolveFile("src/a.ts")
	require.NoError(t, err)
	assert.Equal(t, "/proj/src/a.ts", got)

	got, err = PathResolver{}.ResolveFile("/proj/./src/../a.ts")
	require.NoError(t, err)
	assert.Equal(t, "/proj/a.ts", got)

	_, err = PathResolver{}.ResolveFile("a\x00b")
	assert.ErrorIs(t, err, ErrUnresolvable)
}

func TestPackageIdentifier(t *testing.T) {
	assert.Equal(t, "package:lodash", PackageIdentifier(ImportExternal, " lodash "))
	assert.Equal(t, "builtin:fs", PackageIdentifier(ImportBuiltin, "fs"))
}

func TestFileError_JSON(t *testing.T) {
	tests := []struct {
		name      string
		err       FileError
		retryable bool
		reason    string
	}{
		{
			name:      "invalid facts",
			err:       FileError{FilePath: " ", Err: fmt.Errorf("%w: file_path: required", ErrInvalidFacts)},
			retryable: false,
			reason:    "invalid facts: file_path: required",
		},
		{
			name:      "store failure",
			err:       FileError{FilePath: "/p/a.ts", Err: errors.New("store commit: disk full")},
			retryable: true,
			reason:    "store commit: disk full",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.err)
			require.NoError(t, err)

			var raw map[string]any
			require.NoError(t, json.Unmarshal(data, &raw))
			assert.Equal(t, tt.err.FilePath, raw["file_path"])
			assert.Equal(t, tt.reason, raw["error"])
			assert.Equal(t, tt.retryable, raw["retryable"])

			var decoded FileError
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.err.FilePath, decoded.FilePath)
			assert.Equal(t, tt.reason, decoded.Err.Error())
			assert.Equal(t, tt.retryable, decoded.Retryable())
		})
	}
}
