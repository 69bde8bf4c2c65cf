package contentstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestHashDeterminismAndTrim(t *testing.T) {
	c := "Food Bank of Springfield\n123 Main St\n"
	if Hash(c) != Hash(c) {
		t.Error("Hash is not deterministic")
	}
	if Hash(c) != Hash(" "+c+" \n") {
		t.Error("Hash should be whitespace-trim-insensitive at the edges")
	}
	if len(Hash(c)) != 64 {
		t.Errorf("Hash length = %d, want 64", len(Hash(c)))
	}
}

func TestHashIsCaseAndNewlineSensitive(t *testing.T) {
	if Hash("Food Bank") == Hash("food bank") {
		t.Error("Hash should be case-sensitive")
	}
	if Hash("a\nb") == Hash("a\r\nb") {
		t.Error("Hash should be newline-sensitive")
	}
}

func TestStoreContentIdempotentOnHash(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	content := "a food pantry on Elm St"
	first, err := s.StoreContent(content, map[string]string{"scraper_id": "s1"})
	if err != nil {
		t.Fatalf("StoreContent() error = %v", err)
	}

	second, err := s.StoreContent(content, map[string]string{"scraper_id": "s2-should-be-ignored"})
	if err != nil {
		t.Fatalf("StoreContent() second call error = %v", err)
	}
	if second.Tags["scraper_id"] != "s1" {
		t.Errorf("second StoreContent should preserve original tags, got %v", second.Tags)
	}
	if first.Hash != second.Hash {
		t.Errorf("hash mismatch between calls: %q vs %q", first.Hash, second.Hash)
	}
}

func TestStoreAndGetResult(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	content := "a shelter on Oak Ave"
	hash := Hash(content)
	if _, err := s.StoreContent(content, nil); err != nil {
		t.Fatalf("StoreContent() error = %v", err)
	}

	if _, ok, err := s.GetResult(hash); err != nil || ok {
		t.Fatalf("GetResult() before store = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	if err := s.StoreResult(hash, `{"organization":[]}`); err != nil {
		t.Fatalf("StoreResult() error = %v", err)
	}

	got, ok, err := s.GetResult(hash)
	if err != nil || !ok {
		t.Fatalf("GetResult() after store = (_, %v, %v), want (_, true, nil)", ok, err)
	}
	if got != `{"organization":[]}` {
		t.Errorf("GetResult() = %q, want %q", got, `{"organization":[]}`)
	}
}

func TestStoreResultLastWriterWins(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)
	hash := Hash("content")
	if err := s.StoreResult(hash, "first"); err != nil {
		t.Fatalf("StoreResult() error = %v", err)
	}
	if err := s.StoreResult(hash, "second"); err != nil {
		t.Fatalf("StoreResult() error = %v", err)
	}
	got, ok, _ := s.GetResult(hash)
	if !ok || got != "second" {
		t.Errorf("GetResult() = (%q, %v), want (\"second\", true)", got, ok)
	}
}

func TestStatistics(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)
	s.StoreContent("one", nil)
	s.StoreContent("two", nil)
	s.StoreResult(Hash("one"), "result")

	stats := s.Statistics()
	if stats.TotalContent != 2 {
		t.Errorf("TotalContent = %d, want 2", stats.TotalContent)
	}
	if stats.ProcessedContent != 1 {
		t.Errorf("ProcessedContent = %d, want 1", stats.ProcessedContent)
	}
}

func TestDisabledStoreIsNoOp(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatalf("New(\"\") error = %v", err)
	}
	if s.Enabled() {
		t.Error("Enabled() should be false for empty root")
	}
	entry, err := s.StoreContent("x", nil)
	if err != nil || entry == nil {
		t.Fatalf("StoreContent() on disabled store = (%v, %v)", entry, err)
	}
	if _, ok, err := s.GetResult(Hash("x")); ok || err != nil {
		t.Errorf("GetResult() on disabled store = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, _ := New(dir)
	s1.StoreContent("persisted", map[string]string{"k": "v"})
	s1.StoreResult(Hash("persisted"), "the result")

	s2, err := New(dir)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	got, ok, err := s2.GetResult(Hash("persisted"))
	if err != nil || !ok || got != "the result" {
		t.Errorf("GetResult() after reopen = (%q, %v, %v), want (\"the result\", true, nil)", got, ok, err)
	}
}

func TestConcurrentStoreContentSameHash(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)
	content := "raced content"
	tags := map[string]string{"scraper_id": "s1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.StoreContent(content, tags); err != nil {
				t.Errorf("StoreContent() error = %v", err)
			}
		}()
	}
	wg.Wait()

	stats := s.Statistics()
	if stats.TotalContent != 1 {
		t.Errorf("TotalContent = %d, want exactly 1 index row", stats.TotalContent)
	}

	hash := Hash(content)
	entries, err := os.ReadDir(filepath.Join(dir, "content-store", "content", hash[:2]))
	if err != nil {
		t.Fatalf("reading content shard dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("content shard holds %d files, want exactly 1", len(entries))
	}
}
