package transfer

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/islishude/sett/internal/progress"
)

// memFS is an in-memory remote. shortWrite truncates uploads of the named
// file by one byte.
type memFS struct {
	dirs       map[string]bool
	files      map[string]int64
	readOnly   map[string]bool
	shortWrite string
	ops        []string
}

func newMemFS(dirs ...string) *memFS {
	m := &memFS{dirs: map[string]bool{"/": true}, files: map[string]int64{}, readOnly: map[string]bool{}}
	for _, d := range dirs {
		m.dirs[d] = true
	}
	return m
}

func (m *memFS) Stat(_ context.Context, p string) (remoteInfo, error) {
	if m.dirs[p] {
		return remoteInfo{IsDir: true}, nil
	}
	if size, ok := m.files[p]; ok {
		return remoteInfo{Size: size}, nil
	}
	return remoteInfo{}, fs.ErrNotExist
}

func (m *memFS) Mkdir(_ context.Context, p string) error {
	m.ops = append(m.ops, "mkdir "+p)
	parent := path.Dir(p)
	switch {
	case !m.dirs[parent]:
		return fs.ErrNotExist
	case m.readOnly[parent]:
		return fs.ErrPermission
	case m.dirs[p]:
		return fs.ErrExist
	}
	m.dirs[p] = true
	return nil
}

func (m *memFS) Put(_ context.Context, local File, remote string, tracker *progress.Tracker) error {
	m.ops = append(m.ops, "put "+remote)
	if !m.dirs[path.Dir(remote)] {
		return fs.ErrNotExist
	}
	size := local.Size
	if local.Name == m.shortWrite {
		size--
	}
	m.files[remote] = size
	tracker.Add(local.Size)
	return nil
}

func (m *memFS) Rename(_ context.Context, from, to string) error {
	m.ops = append(m.ops, "rename "+from)
	size, ok := m.files[from]
	if !ok {
		return fs.ErrNotExist
	}
	delete(m.files, from)
	m.files[to] = size
	return nil
}

func (m *memFS) Remove(_ context.Context, p string) error {
	m.ops = append(m.ops, "rm "+p)
	delete(m.files, p)
	return nil
}

func (m *memFS) Touch(_ context.Context, p string) error {
	m.ops = append(m.ops, "touch "+p)
	if !m.dirs[path.Dir(p)] {
		return fs.ErrNotExist
	}
	m.files[p] = 0
	return nil
}

func (m *memFS) names() []string {
	var out []string
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func writeFiles(t *testing.T, contents ...string) []File {
	t.Helper()
	dir := t.TempDir()
	var files []File
	for i, c := range contents {
		name := string(rune('a'+i)) + ".tar"
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(c), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		files = append(files, File{Path: p, Name: name, Size: int64(len(c))})
	}
	return files
}

func TestEnvelopeUpload(t *testing.T) {
	m := newMemFS("/inbox")
	files := writeFiles(t, "first", "second package")
	var last float64
	tracker := progress.NewTracker(int64(len("first")+len("second package")), func(f float64) { last = f })
	dir, err := uploadEnvelope(context.Background(), m, "/inbox", "20240301T120000", files, tracker, slog.Default())
	if err != nil {
		t.Fatalf("uploadEnvelope() error = %v", err)
	}
	if dir != "/inbox/20240301T120000" {
		t.Fatalf("uploadEnvelope() dir = %s", dir)
	}
	want := []string{"/inbox/20240301T120000/a.tar", "/inbox/20240301T120000/b.tar", "/inbox/20240301T120000/done.txt"}
	if got := m.names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("remote files = %v, want %v", got, want)
	}
	if op := m.ops[len(m.ops)-1]; op != "touch /inbox/20240301T120000/done.txt" {
		t.Fatalf("last operation = %q, want sentinel", op)
	}
	if last != 1 {
		t.Fatalf("final progress = %v, want 1", last)
	}
}

func TestEnvelopeSizeMismatchLeavesNoSentinel(t *testing.T) {
	m := newMemFS("/inbox")
	files := writeFiles(t, "one", "two", "three")
	m.shortWrite = "b.tar"
	_, err := uploadEnvelope(context.Background(), m, "/inbox", "env", files, nil, slog.Default())
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("uploadEnvelope() error = %v, want ErrSizeMismatch", err)
	}
	if got := m.names(); len(got) != 1 || got[0] != "/inbox/env/a.tar" {
		t.Fatalf("remote files = %v, want only the first file at its final name", got)
	}
	for _, op := range m.ops {
		if strings.Contains(op, "c.tar") || strings.HasPrefix(op, "touch") {
			t.Fatalf("batch continued after mismatch: %v", m.ops)
		}
	}
}

func TestEnvelopeDestinationErrors(t *testing.T) {
	files := writeFiles(t, "hello")
	t.Run("missing", func(t *testing.T) {
		m := newMemFS()
		_, err := uploadEnvelope(context.Background(), m, "/does/not/exist", "env", files, nil, slog.Default())
		if !errors.Is(err, ErrDestinationMissing) {
			t.Fatalf("uploadEnvelope() error = %v, want ErrDestinationMissing", err)
		}
		if len(m.ops) != 0 || len(m.files) != 0 {
			t.Fatalf("remote modified: ops=%v files=%v", m.ops, m.files)
		}
	})
	t.Run("not a directory", func(t *testing.T) {
		m := newMemFS()
		m.files["/inbox"] = 3
		_, err := uploadEnvelope(context.Background(), m, "/inbox", "env", files, nil, slog.Default())
		if !errors.Is(err, ErrDestinationMissing) {
			t.Fatalf("uploadEnvelope() error = %v, want ErrDestinationMissing", err)
		}
	})
	t.Run("read only", func(t *testing.T) {
		m := newMemFS("/inbox")
		m.readOnly["/inbox"] = true
		_, err := uploadEnvelope(context.Background(), m, "/inbox", "env", files, nil, slog.Default())
		if !errors.Is(err, ErrDestinationNotWritable) {
			t.Fatalf("uploadEnvelope() error = %v, want ErrDestinationNotWritable", err)
		}
	})
	t.Run("envelope exists", func(t *testing.T) {
		m := newMemFS("/inbox", "/inbox/env")
		if _, err := uploadEnvelope(context.Background(), m, "/inbox", "env", files, nil, slog.Default()); err == nil {
			t.Fatalf("uploadEnvelope() into existing envelope succeeded")
		}
	})
}
