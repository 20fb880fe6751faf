// Package pathtmpl resolves document path templates such as
// "places/{placeID}/locales/{locale}" against parameter bindings, and
// recovers bindings from concrete paths.
//
// Paths alternate collection and document id segments separated by "/".
// Collections always occupy even positions. Leading and trailing slashes are
// ignored everywhere.
package pathtmpl

import (
	"regexp"
	"strings"
	"sync"
)

// Params maps placeholder names to concrete segment values.
type Params map[string]string

// With returns a copy of p with name bound to value.
func (p Params) With(name, value string) Params {
	out := make(Params, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[name] = value
	return out
}

// placeholderPattern matches {name} tokens. Empty braces match but are
// ignored by ExtractPlaceholders.
var placeholderPattern = regexp.MustCompile(`{[^/{}]*}`)

// ExtractPlaceholders returns the placeholder names in template in order of
// appearance. Repeated names are returned once.
func ExtractPlaceholders(template string) []string {
	tokens := placeholderPattern.FindAllString(template, -1)
	names := make([]string, 0, len(tokens))
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		name := tok[1 : len(tok)-1]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// Resolve substitutes every placeholder found in template with its binding.
// Names absent from params are left as literal "{name}" text.
func Resolve(template string, params Params) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(tok string) string {
		name := tok[1 : len(tok)-1]
		if name == "" {
			return tok
		}
		if v, ok := params[name]; ok {
			return v
		}
		return tok
	})
}

// IsConcrete reports whether path contains no placeholders.
func IsConcrete(path string) bool {
	return !placeholderPattern.MatchString(path)
}

// compiled caches template regexps; templates come from static config so
// the set stays small.
var compiled sync.Map // template -> *matcher

type matcher struct {
	re    *regexp.Regexp
	names []string
}

func compile(template string) *matcher {
	if m, ok := compiled.Load(template); ok {
		return m.(*matcher)
	}

	clean := Clean(template)
	var b strings.Builder
	var names []string
	b.WriteString("^")
	last := 0
	for _, loc := range placeholderPattern.FindAllStringIndex(clean, -1) {
		b.WriteString(regexp.QuoteMeta(clean[last:loc[0]]))
		b.WriteString("([^/]+)")
		names = append(names, clean[loc[0]+1:loc[1]-1])
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(clean[last:]))
	b.WriteString("$")

	m := &matcher{re: regexp.MustCompile(b.String()), names: names}
	compiled.Store(template, m)
	return m
}

// Match extracts the binding of template's placeholders from a concrete
// path. It returns an empty (non-nil) binding when path does not match.
// When a name appears more than once the last occurrence wins.
func Match(path, template string) Params {
	m := compile(template)
	groups := m.re.FindStringSubmatch(Clean(path))
	params := make(Params, len(m.names))
	if groups == nil {
		return params
	}
	for i, name := range m.names {
		if name == "" {
			continue
		}
		params[name] = groups[i+1]
	}
	return params
}

// Matches reports whether path is an instance of template.
func Matches(path, template string) bool {
	return compile(template).re.MatchString(Clean(path))
}

// Clean strips leading and trailing separators.
func Clean(path string) string {
	return strings.Trim(path, "/")
}

// Segments splits a path into its non-empty segments.
func Segments(path string) []string {
	parts := strings.Split(Clean(path), "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CollectionSegments returns the even-indexed segments of path, which are
// its collection names.
func CollectionSegments(path string) []string {
	segs := Segments(path)
	out := make([]string, 0, (len(segs)+1)/2)
	for i := 0; i < len(segs); i += 2 {
		out = append(out, segs[i])
	}
	return out
}

// Join concatenates path elements with "/".
func Join(elems ...string) string {
	parts := make([]string, 0, len(elems))
	for _, e := range elems {
		if c := Clean(e); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, "/")
}

// Parent returns the collection path containing the document at path.
func Parent(path string) string {
	segs := Segments(path)
	if len(segs) == 0 {
		return ""
	}
	return strings.Join(segs[:len(segs)-1], "/")
}

// ID returns the last segment of path.
func ID(path string) string {
	segs := Segments(path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// IsDocument reports whether path addresses a document (even segment count).
func IsDocument(path string) bool {
	n := len(Segments(path))
	return n > 0 && n%2 == 0
}

// IsCollection reports whether path addresses a collection (odd segment count).
func IsCollection(path string) bool {
	return len(Segments(path))%2 == 1
}
