// Package compress selects the codec wrapped around the inner payload tar.
package compress

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

type Type string

const (
	Auto  Type = "auto"
	None  Type = "none"
	Gzip  Type = "gzip"
	Bzip2 Type = "bzip2"
	Xz    Type = "xz"
	Zstd  Type = "zstd"
	Lz4   Type = "lz4"
)

const (
	MinLevel     = 0
	MaxLevel     = 9
	DefaultLevel = 5
)

// FromString maps a user or metadata supplied algorithm name to a Type.
// The empty string is what metadata carries for an uncompressed payload.
func FromString(v string) Type {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "none":
		return None
	case "gzip", "gz":
		return Gzip
	case "bzip2", "bz2":
		return Bzip2
	case "xz":
		return Xz
	case "zstd", "zst":
		return Zstd
	case "lz4":
		return Lz4
	default:
		return Auto
	}
}

// MetadataName is the value recorded as compression_algorithm.
func (t Type) MetadataName() string {
	switch t {
	case Auto, None:
		return ""
	default:
		return string(t)
	}
}

type WriterOptions struct {
	// Level is 0..9. Nil means DefaultLevel; 0 disables compression.
	Level *int
}

// Resolve returns the codec that is actually applied for the given options.
func Resolve(t Type, opts WriterOptions) (Type, int, error) {
	level := DefaultLevel
	if opts.Level != nil {
		level = *opts.Level
	}
	if level < MinLevel || level > MaxLevel {
		return "", 0, fmt.Errorf("compression level must be between %d and %d, got %d", MinLevel, MaxLevel, level)
	}
	if level == 0 || t == None {
		return None, 0, nil
	}
	if t == Auto || t == "" {
		t = Gzip
	}
	return t, level, nil
}

func NewWriter(dst io.WriteCloser, t Type, opts WriterOptions) (io.WriteCloser, error) {
	t, level, err := Resolve(t, opts)
	if err != nil {
		return nil, err
	}
	switch t {
	case None:
		return dst, nil
	case Gzip:
		zw, err := gzip.NewWriterLevel(dst, level)
		if err != nil {
			return nil, err
		}
		return &stackedWriteCloser{writer: zw, dst: dst}, nil
	case Bzip2:
		zw, err := bzip2.NewWriter(dst, &bzip2.WriterConfig{Level: level})
		if err != nil {
			return nil, err
		}
		return &stackedWriteCloser{writer: zw, dst: dst}, nil
	case Xz:
		zw, err := xz.NewWriter(dst)
		if err != nil {
			return nil, err
		}
		return &stackedWriteCloser{writer: zw, dst: dst}, nil
	case Zstd:
		zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, err
		}
		return &stackedWriteCloser{writer: zw, dst: dst}, nil
	case Lz4:
		zw := lz4.NewWriter(dst)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4Levels[level-1])); err != nil {
			return nil, err
		}
		return &stackedWriteCloser{writer: zw, dst: dst}, nil
	default:
		return nil, fmt.Errorf("unsupported compression type %q", t)
	}
}

var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
	lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// NewReader wraps src with a decompressor. With explicit set to Auto the
// codec is sniffed from the magic bytes, then from the hint file name, and
// finally assumed to be absent.
func NewReader(src io.ReadCloser, explicit Type, hint string) (io.ReadCloser, Type, error) {
	br := bufio.NewReader(src)
	t := explicit
	if t == Auto || t == "" {
		magic, _ := br.Peek(8)
		t = detectByMagic(magic)
		if t == Auto {
			t = detectByExt(hint)
		}
		if t == Auto {
			t = None
		}
	}
	wrapped, err := wrapReader(br, src, t)
	return wrapped, t, err
}

func wrapReader(reader io.Reader, src io.Closer, t Type) (io.ReadCloser, error) {
	switch t {
	case None:
		return &readCloser{reader: reader, closer: src}, nil
	case Gzip:
		zr, err := gzip.NewReader(reader)
		if err != nil {
			return nil, err
		}
		return &multiReadCloser{reader: zr, closers: []io.Closer{zr, src}}, nil
	case Bzip2:
		zr, err := bzip2.NewReader(reader, nil)
		if err != nil {
			return nil, err
		}
		return &multiReadCloser{reader: zr, closers: []io.Closer{zr, src}}, nil
	case Xz:
		zr, err := xz.NewReader(reader)
		if err != nil {
			return nil, err
		}
		return &readCloser{reader: zr, closer: src}, nil
	case Zstd:
		zr, err := zstd.NewReader(reader)
		if err != nil {
			return nil, err
		}
		return &multiReadCloser{reader: zr, closers: []io.Closer{zr.IOReadCloser(), src}}, nil
	case Lz4:
		return &readCloser{reader: lz4.NewReader(reader), closer: src}, nil
	default:
		return nil, fmt.Errorf("unsupported compression type %q", t)
	}
}

func detectByMagic(magic []byte) Type {
	switch {
	case bytes.HasPrefix(magic, []byte{0x1f, 0x8b}):
		return Gzip
	case bytes.HasPrefix(magic, []byte{'B', 'Z', 'h'}):
		return Bzip2
	case bytes.HasPrefix(magic, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return Xz
	case bytes.HasPrefix(magic, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return Zstd
	case bytes.HasPrefix(magic, []byte{0x04, 0x22, 0x4d, 0x18}):
		return Lz4
	default:
		return Auto
	}
}

func detectByExt(name string) Type {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz", ".tgz":
		return Gzip
	case ".bz2", ".tbz2", ".tbz":
		return Bzip2
	case ".xz", ".txz":
		return Xz
	case ".zst", ".tzst", ".zstd":
		return Zstd
	case ".lz4":
		return Lz4
	default:
		return Auto
	}
}

type readCloser struct {
	reader io.Reader
	closer io.Closer
}

func (r *readCloser) Read(p []byte) (int, error) { return r.reader.Read(p) }
func (r *readCloser) Close() error               { return r.closer.Close() }

type multiReadCloser struct {
	reader  io.Reader
	closers []io.Closer
}

func (m *multiReadCloser) Read(p []byte) (int, error) { return m.reader.Read(p) }

func (m *multiReadCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// stackedWriteCloser flushes the codec before closing the destination.
type stackedWriteCloser struct {
	writer io.WriteCloser
	dst    io.Closer
}

func (w *stackedWriteCloser) Write(p []byte) (int, error) { return w.writer.Write(p) }

func (w *stackedWriteCloser) Close() error {
	first := w.writer.Close()
	if err := w.dst.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// NopCloser turns a writer into a WriteCloser whose Close leaves it open.
func NopCloser(w io.Writer) io.WriteCloser { return nopWriteCloser{w} }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
