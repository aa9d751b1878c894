package testsupport

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/goliatone/go-insight-cache/snapshot"
)

// LoadFixture loads test data from a fixture file.
// The path is relative to the test package directory.
func LoadFixture(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load fixture from %s: %v", path, err)
	}

	return data
}

// LoadFixtureJSON loads JSON test data from a fixture file and unmarshals it.
func LoadFixtureJSON(t *testing.T, path string, dest any) {
	t.Helper()

	data := LoadFixture(t, path)
	if err := json.Unmarshal(data, dest); err != nil {
		t.Fatalf("failed to unmarshal JSON fixture from %s: %v", path, err)
	}
}

// WriteGolden writes test output to a golden file, creating its directory.
func WriteGolden(t *testing.T, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write golden file to %s: %v", path, err)
	}
}

// CompareWithGolden compares actual data with a golden file.
// If the golden file doesn't exist, it creates one with the actual data.
func CompareWithGolden(t *testing.T, path string, actual []byte) {
	t.Helper()

	expected, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			t.Logf("golden file %s does not exist, creating it", path)
			WriteGolden(t, path, actual)
			return
		}
		t.Fatalf("failed to read golden file %s: %v", path, err)
	}

	if string(actual) != string(expected) {
		t.Errorf("output mismatch for %s:\nExpected:\n%s\nActual:\n%s", path, expected, actual)
	}
}

// TempFile writes content to a file under t.TempDir and returns its path.
func TempFile(t *testing.T, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// FixturePath constructs a path to a fixture file relative to the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}

// Profile returns a deterministic profile payload for identity.
func Profile(identity string, followers int64) snapshot.ProfilePayload {
	return snapshot.ProfilePayload{
		Username:    identity,
		DisplayName: identity,
		Bio:         "bio of " + identity,
		AvatarURL:   "https://cdn.example.com/" + identity + ".jpg",
		Followers:   followers,
		Following:   120,
		PostCount:   42,
	}
}

// Posts returns n deterministic posts.
func Posts(n int) snapshot.PostsPayload {
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	posts := make([]snapshot.Post, n)
	for i := range posts {
		posts[i] = snapshot.Post{
			ID:          "p" + strconv.Itoa(i),
			Caption:     "caption",
			MediaType:   "image",
			PublishedAt: base.Add(time.Duration(i) * time.Hour),
			Likes:       int64(100 * (i + 1)),
			Comments:    int64(10 * (i + 1)),
		}
	}
	return snapshot.PostsPayload{Posts: posts}
}

// Analysis returns a deterministic analysis payload.
func Analysis(kind string) snapshot.AnalysisPayload {
	return snapshot.AnalysisPayload{
		AnalysisKind:    kind,
		Summary:         "steady engagement",
		Scores:          snapshot.Scores{"engagement": 0.42, "consistency": 0.8},
		Recommendations: []string{"post more reels", "reply to comments"},
		Model:           "test-model",
	}
}
