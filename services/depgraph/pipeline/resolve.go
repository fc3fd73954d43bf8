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
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// Identifier prefixes for shared package nodes.
const (
	ExternalPrefix = "package:"
	BuiltinPrefix  = "builtin:"
)

// ErrUnresolvable is returned by resolvers for targets that cannot be
// turned into an identifier.
var ErrUnresolvable = errors.New("unresolvable target")

// Resolver turns an internal import target into a file identifier.
type Resolver interface {
	// ResolveFile normalizes the path of an analyzed file.
	ResolveFile(filePath string) (string, error)

	// ResolveImport normalizes target as imported from the file fromPath
	// (already normalized).
	ResolveImport(fromPath, target string) (string, error)
}

// PathResolver resolves relative imports against the importing file's
// directory and bare paths against the project root.
//
// Identifiers are cleaned and slash-separated on every platform.
type PathResolver struct {
	// Root is the absolute project root. Optional.
	Root string
}

// ResolveFile implements Resolver.
func (r PathResolver) ResolveFile(filePath string) (string, error) {
	p, err := r.normalize(filePath)
	if err != nil {
		return "", err
	}
	if !path.IsAbs(p) && r.root() != "" {
		p = path.Join(r.root(), p)
	}
	return p, nil
}

// ResolveImport implements Resolver.
func (r PathResolver) ResolveImport(fromPath, target string) (string, error) {
	t, err := r.normalize(target)
	if err != nil {
		return "", err
	}

	var resolved string
	switch {
	case path.IsAbs(t):
		resolved = t
	case isRelative(target):
		resolved = path.Join(path.Dir(fromPath), t)
	case r.root() != "":
		resolved = path.Join(r.root(), t)
	default:
		resolved = path.Join(path.Dir(fromPath), t)
	}

	if resolved == "/" || resolved == "." || strings.HasPrefix(resolved, "../") || resolved == ".." {
		return "", errors.Join(ErrUnresolvable, errors.New("target resolves outside any file"))
	}
	return resolved, nil
}

func (r PathResolver) root() string {
	if r.Root == "" {
		return ""
	}
	return path.Clean(toSlash(r.Root))
}

func (r PathResolver) normalize(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.Join(ErrUnresolvable, errors.New("empty path"))
	}
	if strings.ContainsRune(p, 0) {
		return "", errors.Join(ErrUnresolvable, errors.New("path contains NUL byte"))
	}
	return path.Clean(toSlash(p)), nil
}

// toSlash also converts backslashes, which filepath.ToSlash leaves alone
// on non-Windows hosts.
func toSlash(p string) string {
	return strings.ReplaceAll(filepath.ToSlash(p), `\`, "/")
}

func isRelative(target string) bool {
	t := toSlash(strings.TrimSpace(target))
	return t == "." || t == ".." || strings.HasPrefix(t, "./") || strings.HasPrefix(t, "../")
}

// PackageIdentifier returns the shared node identifier for a package
// reference of the given kind.
func PackageIdentifier(kind ImportKind, name string) string {
	name = strings.TrimSpace(name)
	if kind == ImportBuiltin {
		return BuiltinPrefix + name
	}
	return ExternalPrefix + name
}
