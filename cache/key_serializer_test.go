package cache

import (
	"strings"
	"testing"
	"time"
)

func joinWithSeparator(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}

func TestDefaultKeySerializer_BasicTypes(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	tests := []struct {
		name   string
		method string
		args   []any
		want   string
	}{
		{
			name:   "no args",
			method: "profile",
			args:   []any{},
			want:   "profile",
		},
		{
			name:   "single int",
			method: "posts",
			args:   []any{42},
			want:   joinWithSeparator("posts", "42"),
		},
		{
			name:   "identity segments are case folded",
			method: "profile",
			args:   []any{" Instagram ", "NatGeo"},
			want:   joinWithSeparator("profile", "instagram", "natgeo"),
		},
		{
			name:   "multiple basic types",
			method: "ai_analysis",
			args:   []any{1, "tone", true, 3.5},
			want:   joinWithSeparator("ai_analysis", "1", "tone", "true", "3.5"),
		},
		{
			name:   "duration",
			method: "history",
			args:   []any{36 * time.Hour},
			want:   joinWithSeparator("history", "36h0m0s"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey(tt.method, tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_NilValues(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	var nilPtr *string
	var nilSlice []string
	var nilMap map[string]int

	got := serializer.SerializeKey("m", nil, nilPtr, nilSlice, nilMap)
	want := joinWithSeparator("m", "nil", "nil", "slice:nil", "map:nil")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestDefaultKeySerializer_MapsAreDeterministic(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	m := map[string]int{"b": 2, "a": 1, "c": 3}

	first := serializer.SerializeKey("m", m)
	for i := 0; i < 20; i++ {
		if got := serializer.SerializeKey("m", m); got != first {
			t.Fatalf("expected stable key %q, got %q", first, got)
		}
	}
	if want := joinWithSeparator("m", "{a=1,b=2,c=3}"); first != want {
		t.Errorf("expected %q, got %q", want, first)
	}
}

func TestDefaultKeySerializer_TimeUsesUTC(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	loc := time.FixedZone("X", 3600)
	local := time.Date(2026, 3, 1, 10, 0, 0, 0, loc)

	got := serializer.SerializeKey("t", local)
	want := joinWithSeparator("t", "2026-03-01T09:00:00Z")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestIdentityMatcher(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	match := IdentityMatcher("Instagram", "natgeo")

	tests := []struct {
		key  string
		want bool
	}{
		{IdentityKey(serializer, "profile", "instagram", "natgeo"), true},
		{IdentityKey(serializer, "ai_analysis", "instagram", "NatGeo", "tone"), true},
		{IdentityKey(serializer, "profile", "instagram", "natgeo_kids"), false},
		{IdentityKey(serializer, "profile", "tiktok", "natgeo"), false},
	}

	for _, tt := range tests {
		if got := match(tt.key); got != tt.want {
			t.Errorf("match(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestPrefixMatcher(t *testing.T) {
	match := PrefixMatcher("posts" + KeySeparator)
	if !match(joinWithSeparator("posts", "instagram", "a")) {
		t.Error("expected posts key to match")
	}
	if match(joinWithSeparator("profile", "instagram", "a")) {
		t.Error("expected profile key not to match")
	}
}
