package snapshot

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Payload is the tagged union of snapshot contents. The store only encodes
// and hashes payloads; it never inspects them beyond Kind.
type Payload interface {
	Kind() Kind
}

// ProfilePayload is the public profile of an account.
type ProfilePayload struct {
	Username    string `msgpack:"username" json:"username"`
	DisplayName string `msgpack:"display_name" json:"display_name"`
	Bio         string `msgpack:"bio" json:"bio"`
	AvatarURL   string `msgpack:"avatar_url" json:"avatar_url"`
	Followers   int64  `msgpack:"followers" json:"followers"`
	Following   int64  `msgpack:"following" json:"following"`
	PostCount   int64  `msgpack:"post_count" json:"post_count"`
	Verified    bool   `msgpack:"verified" json:"verified"`
}

func (ProfilePayload) Kind() Kind { return KindProfile }

// Post is a single published item with its engagement counters.
type Post struct {
	ID          string    `msgpack:"id" json:"id"`
	Caption     string    `msgpack:"caption" json:"caption"`
	MediaType   string    `msgpack:"media_type" json:"media_type"`
	Permalink   string    `msgpack:"permalink" json:"permalink"`
	PublishedAt time.Time `msgpack:"published_at" json:"published_at"`
	Likes       int64     `msgpack:"likes" json:"likes"`
	Comments    int64     `msgpack:"comments" json:"comments"`
	Shares      int64     `msgpack:"shares" json:"shares"`
	Views       int64     `msgpack:"views" json:"views"`
}

// PostsPayload is the recent posts list of an account.
type PostsPayload struct {
	Posts []Post `msgpack:"posts" json:"posts"`
}

func (PostsPayload) Kind() Kind { return KindPosts }

// AnalysisPayload is a generated analysis of an account's content.
type AnalysisPayload struct {
	AnalysisKind    string             `msgpack:"analysis_kind" json:"analysis_kind"`
	Summary         string             `msgpack:"summary" json:"summary"`
	Scores          Scores             `msgpack:"scores" json:"scores"`
	Recommendations []string           `msgpack:"recommendations" json:"recommendations"`
	Model           string             `msgpack:"model" json:"model"`
}

func (AnalysisPayload) Kind() Kind { return KindAIAnalysis }

// Variant separates analyses of different kinds for the same identity.
func (p AnalysisPayload) Variant() string { return p.AnalysisKind }

// Scores maps a score name to its value. It encodes with sorted keys.
type Scores map[string]float64

var (
	_ msgpack.CustomEncoder = Scores(nil)
	_ msgpack.CustomDecoder = (*Scores)(nil)
)

func (s Scores) EncodeMsgpack(enc *msgpack.Encoder) error {
	if s == nil {
		return enc.EncodeNil()
	}

	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.EncodeFloat64(s[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scores) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n == -1 {
		*s = nil
		return nil
	}

	out := make(Scores, n)
	for i := 0; i < n; i++ {
		k, err := dec.DecodeString()
		if err != nil {
			return err
		}
		v, err := dec.DecodeFloat64()
		if err != nil {
			return err
		}
		out[k] = v
	}
	*s = out
	return nil
}

// Varianted is implemented by payloads stored once per variant of a kind.
type Varianted interface {
	Variant() string
}

// PayloadVariant returns the variant of p, or "" when p has none.
func PayloadVariant(p Payload) string {
	if v, ok := p.(Varianted); ok {
		return v.Variant()
	}
	return ""
}

// FollowerCountPayload is one follower-count data point.
type FollowerCountPayload struct {
	Followers int64 `msgpack:"followers" json:"followers"`
}

func (FollowerCountPayload) Kind() Kind { return KindFollowerCount }

// EncodePayload serializes p with msgpack. Equal payloads always produce
// equal bytes and therefore equal hashes.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("snapshot: nil payload")
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("snapshot: encode %s payload: %w", p.Kind(), err)
	}
	return buf.Bytes(), nil
}

// DecodePayload is the inverse of EncodePayload for the given kind.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)

	switch kind {
	case KindProfile:
		var v ProfilePayload
		err = msgpack.Unmarshal(data, &v)
		p = v
	case KindPosts:
		var v PostsPayload
		err = msgpack.Unmarshal(data, &v)
		p = v
	case KindAIAnalysis:
		var v AnalysisPayload
		err = msgpack.Unmarshal(data, &v)
		p = v
	case KindFollowerCount:
		var v FollowerCountPayload
		err = msgpack.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("snapshot: unknown kind %q", kind)
	}

	if err != nil {
		return nil, fmt.Errorf("snapshot: decode %s payload: %w", kind, err)
	}
	return p, nil
}

// ContentHash is the hex xxhash64 of encoded payload bytes.
func ContentHash(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
