// Package checksum builds and verifies the per file SHA-256 manifest stored
// in the payload as checksum.sha256.
package checksum

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/islishude/sett/internal/archive"
)

// Algorithm is recorded in metadata as checksum_algorithm.
const Algorithm = "SHA256"

// Entry is one manifest line.
type Entry struct {
	Hash string
	Path string
}

// Pair maps an archive path to the local file it is read from.
type Pair struct {
	ArchivePath string
	LocalPath   string
}

// MismatchError collects every file whose content differs from the
// manifest and every file that is absent.
type MismatchError struct {
	Mismatched []string
	Missing    []string
}

func (e *MismatchError) Error() string {
	var parts []string
	if len(e.Mismatched) > 0 {
		parts = append(parts, "checksum mismatch for "+strings.Join(e.Mismatched, ", "))
	}
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	return strings.Join(parts, "; ")
}

// Workers resolves a configured worker count; n <= 0 means all cores.
func Workers(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Generate hashes each pair with at most workers files in flight. The
// result keeps the order of pairs.
func Generate(ctx context.Context, pairs []Pair, workers int) ([]Entry, error) {
	out := make([]Entry, len(pairs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(Workers(workers))
	for i, p := range pairs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := HashFile(p.LocalPath)
			if err != nil {
				return fmt.Errorf("hashing %s: %w", p.LocalPath, err)
			}
			out[i] = Entry{Hash: sum, Path: p.ArchivePath}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Format renders entries as "<hex> <path>" lines.
func Format(entries []Entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.Hash)
		buf.WriteByte(' ')
		buf.WriteString(e.Path)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Parse reads a manifest. Backslash separators are converted to slashes and
// the sha256sum forms "<hex>  <path>" and "<hex> *<path>" are accepted.
func Parse(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		sum, name, ok := strings.Cut(text, " ")
		if !ok {
			return nil, fmt.Errorf("checksum line %d: expected \"<hash> <path>\"", line)
		}
		if len(name) > 1 && (name[0] == ' ' || name[0] == '*') {
			name = name[1:]
		}
		if b, err := hex.DecodeString(sum); err != nil || len(b) != sha256.Size {
			return nil, fmt.Errorf("checksum line %d: invalid SHA-256 digest %q", line, sum)
		}
		name = strings.ReplaceAll(name, `\`, "/")
		if err := archive.ValidatePath(name); err != nil {
			return nil, fmt.Errorf("checksum line %d: %w", line, err)
		}
		out = append(out, Entry{Hash: strings.ToLower(sum), Path: name})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Verify recomputes each entry below root and reports all discrepancies
// together.
func Verify(ctx context.Context, root string, entries []Entry, workers int) error {
	var (
		mu     sync.Mutex
		result MismatchError
	)
	mismatched := make([]bool, len(entries))
	missing := make([]bool, len(entries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(Workers(workers))
	for i, e := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := HashFile(filepath.Join(root, filepath.FromSlash(e.Path)))
			switch {
			case errors.Is(err, fs.ErrNotExist):
				mu.Lock()
				missing[i] = true
				mu.Unlock()
				return nil
			case err != nil:
				return fmt.Errorf("hashing %s: %w", e.Path, err)
			}
			if !strings.EqualFold(sum, e.Hash) {
				mu.Lock()
				mismatched[i] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, e := range entries {
		if mismatched[i] {
			result.Mismatched = append(result.Mismatched, e.Path)
		}
		if missing[i] {
			result.Missing = append(result.Missing, e.Path)
		}
	}
	if len(result.Mismatched) > 0 || len(result.Missing) > 0 {
		return &result
	}
	return nil
}

// Writer hashes everything written through it.
type Writer struct {
	w io.Writer
	h hash.Hash
	n int64
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w, h: sha256.New()} }

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.h.Write(p[:n])
	w.n += int64(n)
	return n, err
}

func (w *Writer) Sum() string { return hex.EncodeToString(w.h.Sum(nil)) }
func (w *Writer) Size() int64 { return w.n }

// Reader hashes everything read through it.
type Reader struct {
	r io.Reader
	h hash.Hash
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r, h: sha256.New()} }

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.h.Write(p[:n])
	return n, err
}

func (r *Reader) Sum() string { return hex.EncodeToString(r.h.Sum(nil)) }
