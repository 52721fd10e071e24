package template

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWithoutPlaceholdersIsIdentity(t *testing.T) {
	docs := []any{
		nil,
		"plain",
		42.0,
		true,
		map[string]any{"a": "b", "n": 1.5, "nested": map[string]any{"x": []any{"y", 2.0, false}}},
		[]any{"one", map[string]any{"two": "three"}},
		map[string]any{"braces": "{ not a placeholder }", "half": "{{unterminated"},
	}

	for _, doc := range docs {
		got := Resolve(doc, "S1", map[string]any{"admin": "tok"}, map[string]any{})
		assert.Equal(t, doc, got)
	}
}

func TestResolveUnresolvedPathIsLeftUntouched(t *testing.T) {
	got := Resolve(map[string]any{"a": "{{missing.x}}"}, "secret", map[string]any{}, map[string]any{})
	assert.Equal(t, map[string]any{"a": "{{missing.x}}"}, got)
}

func TestResolveSharedSecret(t *testing.T) {
	got := Resolve(map[string]any{"h": "tok {{SHARED_SECRET}}"}, "S1", map[string]any{}, map[string]any{})
	assert.Equal(t, map[string]any{"h": "tok S1"}, got)
}

func TestResolveRegexProducesMatchingString(t *testing.T) {
	patterns := []string{
		`[a-f0-9]{8}`,
		`ORD-[0-9]{6}`,
		`[A-Z]{3}_[a-z]{2,5}`,
		`(alpha|beta)-[0-9]`,
	}

	for _, p := range patterns {
		t.Run(p, func(t *testing.T) {
			anchored := regexp.MustCompile("^" + p + "$")
			for i := 0; i < 20; i++ {
				got := Resolve(map[string]any{"x": "{{regex:" + p + "}}"}, "", nil, nil).(map[string]any)
				value, ok := got["x"].(string)
				require.True(t, ok)
				assert.Regexp(t, anchored, value)
			}
		})
	}
}

func TestResolveRegexNeverEmitsNonMatchingValue(t *testing.T) {
	// a{1000} expands past the generator's length cap.
	for _, p := range []string{`a{1000}`, `[0-9]{3}`} {
		t.Run(p, func(t *testing.T) {
			placeholder := "{{regex:" + p + "}}"
			anchored := regexp.MustCompile("^" + p + "$")
			got := New("", nil, nil).ResolveString(placeholder)
			if got != placeholder {
				assert.Regexp(t, anchored, got)
			}
		})
	}
}

func TestResolveRegexFallsBackWhenGeneratorMisses(t *testing.T) {
	e := New("", nil, nil)
	e.generate = func(string) string { return "&{0xc000 filler}" }
	assert.Equal(t, "{{regex:[0-9]{4}}}", e.ResolveString("{{regex:[0-9]{4}}}"))
}

func TestResolveKeepsBraceAfterPlaceholder(t *testing.T) {
	tokens := map[string]any{"alice": map[string]any{"id": "42"}}
	e := New("", tokens, nil)
	assert.Equal(t, `{"id":42}`, e.ResolveString(`{"id":{{alice.id}}}`))
	assert.Equal(t, "42}", e.ResolveString("{{alice.id}}}"))
}

func TestResolveRegexWithTrailingQuantifierBrace(t *testing.T) {
	got := New("", nil, nil).ResolveString("id={{regex:[0-9]{4}}}&x=1")
	assert.Regexp(t, regexp.MustCompile(`^id=[0-9]{4}&x=1$`), got)
}

func TestResolveInvalidRegexIsLeftUntouched(t *testing.T) {
	got := New("", nil, nil).ResolveString("{{regex:[unclosed}}")
	assert.Equal(t, "{{regex:[unclosed}}", got)
}

func TestResolveFixturePaths(t *testing.T) {
	tokens := map[string]any{
		"alice": "alice-token",
		"bob":   "bob-token",
	}
	users := map[string]any{
		"alice": map[string]any{"id": "u-1", "token": "stale", "age": 31.0},
		"carol": map[string]any{"id": "u-3"},
	}
	engine := New("S1", tokens, users)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "raw token", in: "Bearer {{alice}}", want: "Bearer alice-token"},
		{name: "token merged into user", in: "{{alice.token}}", want: "alice-token"},
		{name: "token creates identity", in: "{{bob.token}}", want: "bob-token"},
		{name: "user attribute", in: "/users/{{alice.id}}", want: "/users/u-1"},
		{name: "number attribute", in: "{{alice.age}}", want: "31"},
		{name: "user without token", in: "{{carol.token}}", want: "{{carol.token}}"},
		{name: "path through scalar", in: "{{alice.id.more}}", want: "{{alice.id.more}}"},
		{name: "multiple placeholders", in: "{{alice.id}}:{{SHARED_SECRET}}:{{nope}}", want: "u-1:S1:{{nope}}"},
		{name: "empty expression", in: "{{}}", want: "{{}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.ResolveString(tt.in))
		})
	}

	// inputs are not modified by the merge
	assert.Equal(t, "stale", users["alice"].(map[string]any)["token"])
	_, hasBob := users["bob"]
	assert.False(t, hasBob)
}

func TestResolveKeepsShape(t *testing.T) {
	doc := map[string]any{
		"headers": map[string]any{"Authorization": "Bearer {{alice.token}}"},
		"list":    []any{"{{SHARED_SECRET}}", 3.0, map[string]any{"deep": "{{alice.token}}"}},
		"count":   2.0,
	}

	got := Resolve(doc, "S1", map[string]any{"alice": "t-a"}, nil)

	assert.Equal(t, map[string]any{
		"headers": map[string]any{"Authorization": "Bearer t-a"},
		"list":    []any{"S1", 3.0, map[string]any{"deep": "t-a"}},
		"count":   2.0,
	}, got)
	assert.Equal(t, "Bearer {{alice.token}}", doc["headers"].(map[string]any)["Authorization"])
}

func TestMapTokens(t *testing.T) {
	tokens := map[string]any{"alice": "t-a", "nested": map[string]any{"x": "y"}}
	users := map[string]any{"alice": map[string]any{"id": "u-1", "token": "t-old"}}

	blankTokens, blankUsers := MapTokens(tokens, users, func(string) string { return "" })

	assert.Equal(t, "", blankTokens["alice"])
	assert.Equal(t, map[string]any{"x": "y"}, blankTokens["nested"])
	assert.Equal(t, map[string]any{"id": "u-1", "token": ""}, blankUsers["alice"])
	assert.Equal(t, "t-a", tokens["alice"])
	assert.Equal(t, "t-old", users["alice"].(map[string]any)["token"])

	engine := New("", blankTokens, blankUsers)
	assert.Equal(t, "Bearer ", engine.ResolveString("Bearer {{alice.token}}"))
}
