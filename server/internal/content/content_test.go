package content

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const samplePackages = `[
  {
    "id": "math-fractions",
    "subject": "math",
    "title": "Fractions",
    "cards": [
      {"id": "c1", "skill": "fractions", "front": "1/2 + 1/4", "back": "3/4"}
    ],
    "sorters": [
      {
        "id": "s1",
        "skill": "fractions",
        "prompt": "Sort by size",
        "categories": ["less than 1/2", "at least 1/2"],
        "items": [
          {"label": "1/4", "category": "less than 1/2"},
          {"label": "3/4", "category": "at least 1/2"}
        ]
      }
    ],
    "quizzes": [
      {
        "id": "q1",
        "skill": "fractions",
        "questions": [
          {"id": "q1a", "prompt": "2/4 = ?", "options": ["1/3", "1/2"], "answer": 1}
        ]
      }
    ]
  }
]`

func writePackages(t *testing.T, dir, data string) string {
	t.Helper()
	path := filepath.Join(dir, "packages.json")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write packages: %v", err)
	}
	return path
}

func TestLoadPackages(t *testing.T) {
	path := writePackages(t, t.TempDir(), samplePackages)

	lib, err := NewLibrary(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(lib.Packages()); got != 1 {
		t.Fatalf("packages: got %d want 1", got)
	}
	p, ok := lib.Get("math-fractions")
	if !ok {
		t.Fatal("package not found by id")
	}
	if len(p.Cards) != 1 || len(p.Sorters) != 1 || len(p.Quizzes) != 1 {
		t.Fatalf("unexpected package shape: %+v", p)
	}
	if got := lib.BySubject("math"); len(got) != 1 {
		t.Fatalf("by subject: got %d want 1", len(got))
	}
}

func TestLoadPackagesValidation(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"bad_json", "{not json"},
		{"missing_id", `[{"subject":"math"}]`},
		{"missing_subject", `[{"id":"x"}]`},
		{"answer_out_of_range", `[{"id":"x","subject":"math","quizzes":[
			{"id":"q","skill":"s","questions":[{"id":"a","prompt":"?","options":["y"],"answer":3}]}]}]`},
		{"unknown_category", `[{"id":"x","subject":"math","sorters":[
			{"id":"s","skill":"s","prompt":"?","categories":["a"],"items":[{"label":"l","category":"b"}]}]}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writePackages(t, t.TempDir(), tc.data)
			if _, err := LoadPackages(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writePackages(t, dir, samplePackages)

	lib, err := NewLibrary(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := log.New(io.Discard, "", 0)
	if err := lib.Watch(ctx, path, logger); err != nil {
		t.Fatalf("watch: %v", err)
	}

	updated := `[{"id": "sci-basics", "subject": "science", "title": "Basics"}]`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := lib.Get("sci-basics"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("library was not reloaded after file change")
}

// 坏内容不顶掉好内容
func TestWatchKeepsPreviousOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writePackages(t, dir, samplePackages)

	lib, err := NewLibrary(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := lib.Watch(ctx, path, log.New(io.Discard, "", 0)); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	time.Sleep(500 * time.Millisecond)

	if _, ok := lib.Get("math-fractions"); !ok {
		t.Fatal("previous content should survive a bad reload")
	}
}
