package checksum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) []Pair {
	t.Helper()
	var pairs []Pair
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		pairs = append(pairs, Pair{ArchivePath: name, LocalPath: p})
	}
	slices.SortFunc(pairs, func(a, b Pair) int { return strings.Compare(a.ArchivePath, b.ArchivePath) })
	return pairs
}

func TestGenerateMatchesSHA256(t *testing.T) {
	root := t.TempDir()
	pairs := writeTree(t, root, map[string]string{"content/a.txt": "hello", "content/b/c.txt": "world"})
	entries, err := Generate(context.Background(), pairs, 2)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	sum := sha256.Sum256([]byte("hello"))
	if entries[0].Path != "content/a.txt" || entries[0].Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("entry[0] = %+v", entries[0])
	}
	if err := Verify(context.Background(), root, entries, 0); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyReportsExactlyTheChangedFiles(t *testing.T) {
	root := t.TempDir()
	pairs := writeTree(t, root, map[string]string{
		"content/a.txt":   "hello",
		"content/b/c.txt": "world",
		"content/d.txt":   "unchanged",
		"content/e.txt":   "removed",
	})
	entries, err := Generate(context.Background(), pairs, 0)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "content", "a.txt"), []byte("hellp"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "content", "b", "c.txt"), []byte("World"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.Remove(filepath.Join(root, "content", "e.txt")); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	err = Verify(context.Background(), root, entries, 3)
	var me *MismatchError
	if !errors.As(err, &me) {
		t.Fatalf("Verify() error = %v, want MismatchError", err)
	}
	if !slices.Equal(me.Mismatched, []string{"content/a.txt", "content/b/c.txt"}) {
		t.Fatalf("mismatched = %v", me.Mismatched)
	}
	if !slices.Equal(me.Missing, []string{"content/e.txt"}) {
		t.Fatalf("missing = %v", me.Missing)
	}
}

func TestParseNormalizesSeparators(t *testing.T) {
	h := strings.Repeat("ab", 32)
	in := h + " content\\dir\\file.txt\r\n\n" + strings.ToUpper(h) + "  content/two.txt\n" + h + " *content/three.txt\n"
	entries, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := []Entry{
		{Hash: h, Path: "content/dir/file.txt"},
		{Hash: h, Path: "content/two.txt"},
		{Hash: h, Path: "content/three.txt"},
	}
	if !slices.Equal(entries, want) {
		t.Fatalf("Parse() = %+v, want %+v", entries, want)
	}
}

func TestParseRejectsBadLines(t *testing.T) {
	h := strings.Repeat("ab", 32)
	for _, line := range []string{"nohash", "zz content/a", h + " ../escape", h + " /abs"} {
		if _, err := Parse(strings.NewReader(line + "\n")); err == nil {
			t.Fatalf("Parse(%q) expected error", line)
		}
	}
}

func TestFormatParse(t *testing.T) {
	entries := []Entry{{Hash: strings.Repeat("0", 64), Path: "content/a b.txt"}}
	got, err := Parse(strings.NewReader(string(Format(entries))))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !slices.Equal(got, entries) {
		t.Fatalf("Parse(Format()) = %+v", got)
	}
}

func TestHashingWriterAndReader(t *testing.T) {
	var sink strings.Builder
	w := NewWriter(&sink)
	_, _ = io.WriteString(w, "payload")
	r := NewReader(strings.NewReader("payload"))
	_, _ = io.Copy(io.Discard, r)
	sum := sha256.Sum256([]byte("payload"))
	if w.Sum() != hex.EncodeToString(sum[:]) || r.Sum() != w.Sum() || w.Size() != 7 {
		t.Fatalf("sums differ: writer=%s reader=%s size=%d", w.Sum(), r.Sum(), w.Size())
	}
}
