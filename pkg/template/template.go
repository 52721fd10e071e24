// Package template fills {{placeholder}} tokens inside rule documents.
//
// Three placeholder forms are understood:
//
//	{{SHARED_SECRET}}    the configured shared secret
//	{{regex:PATTERN}}    a fresh random string matching PATTERN
//	{{identity.field}}   a dotted path into the token and user fixtures
//
// Placeholders that cannot be resolved are left in place, so a misconfigured
// rule shows up verbatim in the outgoing request instead of as a blank value.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/brianvoe/gofakeit/v7"
)

const (
	sharedSecretKey = "SHARED_SECRET"
	regexPrefix     = "regex:"
	openDelim       = "{{"
	closeDelim      = "}}"
)

// Engine resolves documents against one secret and one fixture set.
type Engine struct {
	secret string
	tokens map[string]any
	users  map[string]any

	// generate produces a string matching a regular expression.
	generate func(pattern string) string
}

// New builds an Engine. Tokens are merged into the user entries under the
// "token" key; the inputs are not modified.
func New(sharedSecret string, tokens, users map[string]any) *Engine {
	return &Engine{
		secret:   sharedSecret,
		tokens:   tokens,
		users:    mergeTokens(tokens, users),
		generate: gofakeit.Regex,
	}
}

// Resolve is shorthand for New(sharedSecret, tokens, users).Resolve(document).
func Resolve(document any, sharedSecret string, tokens, users map[string]any) any {
	return New(sharedSecret, tokens, users).Resolve(document)
}

// Resolve returns a copy of document with every string leaf resolved. Maps,
// slices and non-string scalars keep their shape.
func (e *Engine) Resolve(document any) any {
	switch v := document.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = e.Resolve(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = e.Resolve(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = e.ResolveString(item)
		}
		return out
	case string:
		return e.ResolveString(v)
	default:
		return document
	}
}

// ResolveString substitutes every placeholder in s independently.
func (e *Engine) ResolveString(s string) string {
	if !strings.Contains(s, openDelim) {
		return s
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := closingIndex(rest, start+len(openDelim))
		if end < 0 {
			b.WriteString(rest)
			break
		}

		b.WriteString(rest[:start])
		placeholder := rest[start : end+len(closeDelim)]
		expr := rest[start+len(openDelim) : end]
		if value, ok := e.lookup(expr); ok {
			b.WriteString(value)
		} else {
			b.WriteString(placeholder)
		}
		rest = rest[end+len(closeDelim):]
	}
	return b.String()
}

// closingIndex finds the "}}" that closes a placeholder opened before from.
// Inside a regex placeholder a run of three or more braces closes on its last
// two, which keeps quantifiers such as {4} inside the expression. Any other
// placeholder closes on the first "}}".
func closingIndex(s string, from int) int {
	idx := strings.Index(s[from:], closeDelim)
	if idx < 0 {
		return -1
	}
	end := from + idx
	if !strings.HasPrefix(s[from:], regexPrefix) {
		return end
	}
	for end+len(closeDelim) < len(s) && s[end+len(closeDelim)] == '}' {
		end++
	}
	return end
}

func (e *Engine) lookup(expr string) (string, bool) {
	switch {
	case expr == sharedSecretKey:
		return e.secret, true
	case strings.HasPrefix(expr, regexPrefix):
		pattern := strings.TrimPrefix(expr, regexPrefix)
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return "", false
		}
		// The generator gives up on very long expansions and returns filler
		// text; that value must not reach a request.
		value := e.generate(pattern)
		if !re.MatchString(value) {
			return "", false
		}
		return value, true
	case expr == "":
		return "", false
	}

	path := strings.Split(expr, ".")
	if v, ok := walk(e.tokens, path); ok {
		return stringify(v)
	}
	if v, ok := walk(e.users, path); ok {
		return stringify(v)
	}
	return "", false
}

func walk(root map[string]any, path []string) (any, bool) {
	var current any = root
	for _, part := range path {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		next, ok := m[part]
		if !ok || next == nil {
			return nil, false
		}
		current = next
	}
	return current, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, m != nil
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
		return fmt.Sprint(t), true
	case json.Number:
		return t.String(), true
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
}

// mergeTokens copies users and sets users[identity]["token"] for every scalar
// token, creating identities that only exist on the token side.
func mergeTokens(tokens, users map[string]any) map[string]any {
	merged := make(map[string]any, len(users)+len(tokens))
	for name, profile := range users {
		if m, ok := asMap(profile); ok {
			cp := make(map[string]any, len(m)+1)
			for k, v := range m {
				cp[k] = v
			}
			merged[name] = cp
			continue
		}
		merged[name] = profile
	}

	for name, token := range tokens {
		switch token.(type) {
		case map[string]any, []any, nil:
			continue
		}
		entry, ok := merged[name].(map[string]any)
		if !ok {
			entry = map[string]any{}
			merged[name] = entry
		}
		entry["token"] = token
	}
	return merged
}

// MapTokens returns a copy of tokens with every scalar token replaced by fn,
// and a copy of users whose "token" fields are replaced the same way.
func MapTokens(tokens, users map[string]any, fn func(string) string) (map[string]any, map[string]any) {
	mappedTokens := make(map[string]any, len(tokens))
	for name, token := range tokens {
		switch token.(type) {
		case map[string]any, map[string]string, []any, nil:
			mappedTokens[name] = token
			continue
		}
		s, _ := stringify(token)
		mappedTokens[name] = fn(s)
	}

	mappedUsers := make(map[string]any, len(users))
	for name, profile := range users {
		m, ok := asMap(profile)
		if !ok {
			mappedUsers[name] = profile
			continue
		}
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		if tok, ok := cp["token"]; ok {
			s, _ := stringify(tok)
			cp["token"] = fn(s)
		}
		mappedUsers[name] = cp
	}
	return mappedTokens, mappedUsers
}
