package cache

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// defaultKeySerializer implements KeySerializer using reflection-based serialization.
// Identity segments (platform, username) are case-folded so that "Instagram::Foo"
// and "instagram::foo" share a cache slot.
type defaultKeySerializer struct{}

// NewDefaultKeySerializer creates a new instance of the default key serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &defaultKeySerializer{}
}

// SerializeKey builds a cache key from method name and args.
func (s *defaultKeySerializer) SerializeKey(method string, args ...any) string {
	if len(args) == 0 {
		return method
	}

	parts := make([]string, 0, len(args)+1)
	parts = append(parts, method)
	for _, arg := range args {
		parts = append(parts, s.serializeValue(arg))
	}

	return strings.Join(parts, KeySeparator)
}

// IdentityKey is the canonical key for one (kind, platform, identity) triple.
func IdentityKey(serializer KeySerializer, kind, platform, identity string, extra ...any) string {
	args := append([]any{platform, identity}, extra...)
	return serializer.SerializeKey(kind, args...)
}

// IdentityMatcher matches every key that belongs to platform/identity regardless of kind.
func IdentityMatcher(platform, identity string) KeyMatcher {
	needle := KeySeparator + normalizeSegment(platform) + KeySeparator + normalizeSegment(identity)
	return func(key string) bool {
		idx := strings.Index(key, needle)
		if idx < 0 {
			return false
		}
		rest := key[idx+len(needle):]
		return rest == "" || strings.HasPrefix(rest, KeySeparator)
	}
}

// PrefixMatcher matches keys starting with prefix.
func PrefixMatcher(prefix string) KeyMatcher {
	return func(key string) bool {
		return strings.HasPrefix(key, prefix)
	}
}

func normalizeSegment(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// serializeValue handles individual argument serialization based on type.
func (s *defaultKeySerializer) serializeValue(v any) string {
	if v == nil {
		return "nil"
	}

	switch t := v.(type) {
	case string:
		return normalizeSegment(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return t.String()
	case fmt.Stringer:
		return normalizeSegment(t.String())
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return s.serializeValue(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return "slice:nil"
		}
		parts := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			parts[i] = s.serializeValue(rv.Index(i).Interface())
		}
		return fmt.Sprintf("[%s]", strings.Join(parts, ","))
	case reflect.Map:
		if rv.IsNil() {
			return "map:nil"
		}
		return s.serializeMap(rv)
	case reflect.String:
		return normalizeSegment(rv.String())
	default:
		return fmt.Sprintf("%v", v)
	}
}

// serializeMap handles map serialization with sorted keys for determinism
func (s *defaultKeySerializer) serializeMap(rv reflect.Value) string {
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, s.serializeValue(iter.Key().Interface())+"="+s.serializeValue(iter.Value().Interface()))
	}
	sort.Strings(pairs)
	return fmt.Sprintf("{%s}", strings.Join(pairs, ","))
}
