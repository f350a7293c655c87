package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/islishude/sett/internal/compress"
)

func rawTar(t *testing.T, path string, names ...string) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, n := range names {
		if err := tw.WriteHeader(&tar.Header{Name: n, Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("WriteHeader(%q) error = %v", n, err)
		}
		if _, err := tw.Write([]byte("x")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestValidatePath(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"content/a.txt", true},
		{"content/d/", true},
		{"a/../b", true},
		{"metadata.json", true},
		{"", false},
		{".", false},
		{"/etc/passwd", false},
		{"../x", false},
		{"content/../../x", false},
		{"..", false},
		{`content\a.txt`, false},
	}
	for _, tc := range cases {
		err := ValidatePath(tc.name)
		if (err == nil) != tc.ok {
			t.Fatalf("ValidatePath(%q) error = %v, want ok=%v", tc.name, err, tc.ok)
		}
		if err != nil {
			var pe *PathError
			if !errors.As(err, &pe) {
				t.Fatalf("ValidatePath(%q) error type = %T", tc.name, err)
			}
		}
	}
}

func TestWriteTarFileVerifiesMembers(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	out := filepath.Join(dir, "out.tar")
	entries := []Entry{
		FileEntry{Name: "content/a.txt", Path: src},
		MemoryEntry{Name: "checksum.sha256", Data: []byte("abc content/a.txt\n")},
		DirEntry{Name: "content/d"},
	}
	if err := WriteTarFile(context.Background(), out, entries, WriteOptions{}); err != nil {
		t.Fatalf("WriteTarFile() error = %v", err)
	}
	names, err := ListMembers(out)
	if err != nil {
		t.Fatalf("ListMembers() error = %v", err)
	}
	want := []string{"content/a.txt", "checksum.sha256", "content/d/"}
	if !slices.Equal(names, want) {
		t.Fatalf("members = %v, want %v", names, want)
	}
}

func TestWriteTarRejectsUnsafeBeforeWriting(t *testing.T) {
	for _, bad := range []string{"/abs/file", "../escape", "content/../../escape"} {
		t.Run(bad, func(t *testing.T) {
			var buf bytes.Buffer
			body := &closeRecorder{Reader: strings.NewReader("data")}
			entries := []Entry{
				MemoryEntry{Name: "ok.txt", Data: []byte("fine")},
				ReaderEntry{Name: "stream", Body: body, Size: 4},
				MemoryEntry{Name: bad, Data: []byte("bad")},
			}
			err := WriteTar(context.Background(), &buf, entries, WriteOptions{})
			var pe *PathError
			if !errors.As(err, &pe) {
				t.Fatalf("WriteTar() error = %v, want PathError", err)
			}
			if buf.Len() != 0 {
				t.Fatalf("WriteTar() wrote %d bytes before failing", buf.Len())
			}
			if !body.closed {
				t.Fatalf("reader entry was not closed")
			}
		})
	}
}

func TestWriteTarFileRemovesOutputOnError(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.tar")
	entries := []Entry{FileEntry{Name: "content/missing", Path: filepath.Join(dir, "does-not-exist")}}
	if err := WriteTarFile(context.Background(), out, entries, WriteOptions{}); err == nil {
		t.Fatalf("WriteTarFile() expected error")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output should be removed, stat err = %v", err)
	}
}

func TestWriteTarFileRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.tar")
	if err := os.WriteFile(out, []byte("keep"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	err := WriteTarFile(context.Background(), out, []Entry{MemoryEntry{Name: "a", Data: nil}}, WriteOptions{})
	if err == nil {
		t.Fatalf("WriteTarFile() expected error for existing output")
	}
	got, _ := os.ReadFile(out)
	if string(got) != "keep" {
		t.Fatalf("existing file modified: %q", got)
	}
}

func TestCheckPackageShape(t *testing.T) {
	cases := []struct {
		name    string
		members []string
		missing []string
		extra   []string
		ok      bool
	}{
		{name: "exact", members: []string{MetadataFile, SignatureFile, DataFile}, ok: true},
		{name: "reordered", members: []string{DataFile, MetadataFile, SignatureFile}, ok: true},
		{name: "missing-sig", members: []string{MetadataFile, DataFile}, missing: []string{SignatureFile}},
		{name: "extra", members: []string{MetadataFile, SignatureFile, DataFile, "evil.sh"}, extra: []string{"evil.sh"}},
		{name: "mixed", members: []string{MetadataFile, "x", "y"}, missing: []string{SignatureFile, DataFile}, extra: []string{"x", "y"}},
		{name: "duplicate", members: []string{MetadataFile, SignatureFile, DataFile, DataFile}, extra: []string{DataFile}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pkg.tar")
			rawTar(t, path, tc.members...)
			err := CheckPackage(path)
			if tc.ok {
				if err != nil {
					t.Fatalf("CheckPackage() error = %v", err)
				}
				return
			}
			var se *ShapeError
			if !errors.As(err, &se) {
				t.Fatalf("CheckPackage() error = %v, want ShapeError", err)
			}
			if !slices.Equal(se.Missing, tc.missing) || !slices.Equal(se.Extra, tc.extra) {
				t.Fatalf("missing=%v extra=%v, want missing=%v extra=%v", se.Missing, se.Extra, tc.missing, tc.extra)
			}
			for _, n := range append(tc.missing, tc.extra...) {
				if !strings.Contains(err.Error(), n) {
					t.Fatalf("error %q does not name %q", err, n)
				}
			}
		})
	}
}

func TestCheckPackageEmptyAndUnsafe(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.tar")
	rawTar(t, empty)
	if err := CheckPackage(empty); !errors.Is(err, ErrEmptyArchive) {
		t.Fatalf("CheckPackage(empty) error = %v, want ErrEmptyArchive", err)
	}
	unsafe := filepath.Join(dir, "unsafe.tar")
	rawTar(t, unsafe, MetadataFile, SignatureFile, "../"+DataFile)
	var pe *PathError
	if err := CheckPackage(unsafe); !errors.As(err, &pe) {
		t.Fatalf("CheckPackage(unsafe) error = %v, want PathError", err)
	}
}

func TestExtractTypedResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkg.tar")
	rawTar(t, path, MetadataFile, DataFile)
	members, err := ExtractMultiple(path, MetadataFile, SignatureFile)
	if err != nil {
		t.Fatalf("ExtractMultiple() error = %v", err)
	}
	if !members[0].Found || string(members[0].Data) != "x" {
		t.Fatalf("metadata member = %+v", members[0])
	}
	if members[1].Found {
		t.Fatalf("signature member should not be found")
	}
	single, err := Extract(path, SignatureFile)
	if err != nil || single.Found || single.Name != SignatureFile {
		t.Fatalf("Extract() = %+v, %v", single, err)
	}
	if _, err := members[1].Bytes(); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("Bytes() error = %v, want ErrMemberNotFound", err)
	}
	if _, _, err := OpenMember(path, SignatureFile); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("OpenMember() error = %v, want ErrMemberNotFound", err)
	}
	rc, size, err := OpenMember(path, DataFile)
	if err != nil {
		t.Fatalf("OpenMember() error = %v", err)
	}
	defer rc.Close() //nolint:errcheck
	b, _ := io.ReadAll(rc)
	if size != 1 || string(b) != "x" {
		t.Fatalf("OpenMember() = %q (%d)", b, size)
	}
}

func TestUnpackFromStreamRoundTrip(t *testing.T) {
	dir := t.TempDir()
	level := 6
	var buf bytes.Buffer
	entries := []Entry{
		MemoryEntry{Name: "content/a.txt", Data: []byte("hello")},
		MemoryEntry{Name: "content/b/c.txt", Data: []byte("world")},
		DirEntry{Name: "content/d"},
	}
	if err := WriteTar(context.Background(), &buf, entries, WriteOptions{Compression: compress.Gzip, Level: &level}); err != nil {
		t.Fatalf("WriteTar() error = %v", err)
	}
	cr, _, err := compress.NewReader(io.NopCloser(&buf), compress.Auto, "")
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	var got []string
	if err := UnpackFromStream(context.Background(), cr, dir, &got); err != nil {
		t.Fatalf("UnpackFromStream() error = %v", err)
	}
	want := []string{"content/a.txt", "content/b/c.txt", "content/d"}
	if !slices.Equal(got, want) {
		t.Fatalf("accum = %v, want %v", got, want)
	}
	if err := CheckExtracted(dir, got); err != nil {
		t.Fatalf("CheckExtracted() error = %v", err)
	}
	b, _ := os.ReadFile(filepath.Join(dir, "content", "b", "c.txt"))
	if string(b) != "world" {
		t.Fatalf("c.txt = %q", b)
	}
	if st, err := os.Stat(filepath.Join(dir, "content", "d")); err != nil || !st.IsDir() {
		t.Fatalf("empty dir not restored: %v", err)
	}
}

func TestUnpackFromStreamRejectsUnsafe(t *testing.T) {
	for _, bad := range []string{"/abs", "../up", "ok/../../up"} {
		t.Run(bad, func(t *testing.T) {
			root := t.TempDir()
			dest := filepath.Join(root, "out")
			if err := os.Mkdir(dest, 0o755); err != nil {
				t.Fatalf("Mkdir() error = %v", err)
			}
			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			_ = tw.WriteHeader(&tar.Header{Name: bad, Mode: 0o644, Size: 3, Typeflag: tar.TypeReg})
			_, _ = tw.Write([]byte("bad"))
			_ = tw.Close()

			var got []string
			err := UnpackFromStream(context.Background(), &buf, dest, &got)
			var pe *PathError
			if !errors.As(err, &pe) {
				t.Fatalf("UnpackFromStream() error = %v, want PathError", err)
			}
			if len(got) != 0 {
				t.Fatalf("accum = %v, want empty", got)
			}
			if _, err := os.Stat(filepath.Join(root, "up")); !os.IsNotExist(err) {
				t.Fatalf("file escaped destination")
			}
		})
	}
}

func TestUnpackFromStreamRejectsLinks(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.WriteHeader(&tar.Header{Name: "content/link", Linkname: "/etc/passwd", Typeflag: tar.TypeSymlink})
	_ = tw.Close()
	if err := UnpackFromStream(context.Background(), &buf, t.TempDir(), nil); err == nil {
		t.Fatalf("UnpackFromStream() expected error for symlink")
	}
}

func TestCheckExtractedReportsAllMissing(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "present"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	err := CheckExtracted(dir, []string{"present", "gone1", "sub/gone2"})
	var me *MissingError
	if !errors.As(err, &me) {
		t.Fatalf("CheckExtracted() error = %v, want MissingError", err)
	}
	if !slices.Equal(me.Paths, []string{"gone1", "sub/gone2"}) {
		t.Fatalf("missing = %v", me.Paths)
	}
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}
