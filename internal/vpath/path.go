// Package vpath implements the validated path type from spec.md §3: a
// borrowed/owned UTF-8 path with an explicit, opt-in normalization step —
// canonicalization is never implicit during lookup.
//
// The normalization hook mirrors backend/local's handling of macOS's
// NFD-normalized filenames (local.go calls norm.NFC.String on paths read
// back from darwin) without baking platform assumptions into the type
// itself: the kernel's host target and embedded target both get the same
// explicit Normalize() call, left to the caller to invoke.
package vpath

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/xila-project/core/internal/kernelerrors"
)

// Separator is the sole path separator recognised by the kernel.
const Separator = '/'

// Path is an owned, validated path. The "borrowed" sibling from spec.md is
// represented in Go simply by passing a Path by value or a *Path by
// pointer where no copy is needed; Go has no separate borrow-checked type.
type Path struct {
	value string
}

// New validates raw as UTF-8 and returns an owned Path. It does not
// canonicalize: "." and ".." components are preserved verbatim.
func New(raw string) (Path, error) {
	if !utf8.ValidString(raw) {
		return Path{}, kernelerrors.ErrInvalidPath
	}
	if raw == "" {
		return Path{}, kernelerrors.ErrInvalidPath
	}
	return Path{value: raw}, nil
}

// MustNew panics on an invalid path; reserved for compile-time constants.
func MustNew(raw string) Path {
	p, err := New(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the raw path text.
func (p Path) String() string { return p.value }

// IsAbsolute reports whether the path begins with Separator.
func (p Path) IsAbsolute() bool {
	return strings.HasPrefix(p.value, string(Separator))
}

// IsRoot reports whether the path is exactly "/".
func (p Path) IsRoot() bool {
	return p.value == string(Separator)
}

// GetComponents splits the path into its non-empty components.
func (p Path) GetComponents() []string {
	parts := strings.Split(p.value, string(Separator))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GoParent returns the path with its last component removed. Calling
// GoParent on the root returns the root unchanged.
func (p Path) GoParent() Path {
	if p.IsRoot() {
		return p
	}
	trimmed := strings.TrimSuffix(p.value, string(Separator))
	idx := strings.LastIndexByte(trimmed, Separator)
	if idx <= 0 {
		return Path{value: string(Separator)}
	}
	return Path{value: trimmed[:idx]}
}

// Join appends other's components to p, inserting exactly one separator.
func (p Path) Join(other string) Path {
	base := strings.TrimSuffix(p.value, string(Separator))
	other = strings.TrimPrefix(other, string(Separator))
	if other == "" {
		return p
	}
	return Path{value: base + string(Separator) + other}
}

// StripPrefix removes prefix from p, returning the remainder with a
// leading separator preserved (matching spec.md §4.1's mount-resolution
// contract: "Strip that prefix ... retaining the leading '/' relative to
// the backing FS").
func (p Path) StripPrefix(prefix Path) (Path, error) {
	if prefix.IsRoot() {
		return p, nil
	}
	if !strings.HasPrefix(p.value, prefix.value) {
		return Path{}, kernelerrors.ErrInvalidPath
	}
	remainder := strings.TrimPrefix(p.value, prefix.value)
	if remainder == "" {
		remainder = string(Separator)
	} else if remainder[0] != Separator {
		return Path{}, kernelerrors.ErrInvalidPath
	}
	return Path{value: remainder}, nil
}

// GetFileName returns the last component, or "" for the root.
func (p Path) GetFileName() string {
	components := p.GetComponents()
	if len(components) == 0 {
		return ""
	}
	return components[len(components)-1]
}

// GetExtension returns the file name's extension (without the dot), or ""
// if there is none.
func (p Path) GetExtension() string {
	name := p.GetFileName()
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return ""
	}
	return name[idx+1:]
}

// SetExtension returns a copy of p with its final component's extension
// replaced (or appended, if it had none).
func (p Path) SetExtension(ext string) Path {
	name := p.GetFileName()
	idx := strings.LastIndexByte(name, '.')
	var newName string
	if idx <= 0 {
		newName = name + "." + ext
	} else {
		newName = name[:idx+1] + ext
	}
	parent := p.GoParent()
	if parent.IsRoot() {
		return parent.Join(newName)
	}
	return parent.Join(newName)
}

// Normalize applies Unicode NFC normalization. It is never called
// implicitly by lookup; callers opt in explicitly (spec.md §3).
func (p Path) Normalize() Path {
	return Path{value: norm.NFC.String(p.value)}
}
