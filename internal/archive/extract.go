package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/islishude/sett/internal/compress"
)

var ErrMemberNotFound = errors.New("member not found in archive")

// maxInMemoryMember bounds members read by Extract.
const maxInMemoryMember = 16 << 20

// Member is the result of looking a name up in an archive. Found is false
// when the archive has no such member; that is not an error.
type Member struct {
	Name  string
	Data  []byte
	Found bool
}

// Bytes returns the content, or ErrMemberNotFound naming the member.
func (m Member) Bytes() ([]byte, error) {
	if !m.Found {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, m.Name)
	}
	return m.Data, nil
}

// Extract reads one small member into memory.
func Extract(path, name string) (Member, error) {
	members, err := ExtractMultiple(path, name)
	if err != nil {
		return Member{Name: name}, err
	}
	return members[0], nil
}

// ExtractMultiple reads several small members in one pass. The result has
// one Member per requested name, in request order.
func ExtractMultiple(path string, names ...string) ([]Member, error) {
	out := make([]Member, len(names))
	index := make(map[string]int, len(names))
	for i, n := range names {
		out[i].Name = n
		index[memberKey(n)] = i
	}
	remaining := len(names)
	err := scan(path, func(hdr *tar.Header, r io.Reader) (bool, error) {
		i, ok := index[memberKey(hdr.Name)]
		if !ok || out[i].Found {
			return false, nil
		}
		if hdr.Size > maxInMemoryMember {
			return true, fmt.Errorf("member %s is too large (%d bytes)", hdr.Name, hdr.Size)
		}
		data, err := io.ReadAll(io.LimitReader(r, maxInMemoryMember))
		if err != nil {
			return true, fmt.Errorf("reading member %s: %w", hdr.Name, err)
		}
		out[i].Data = data
		out[i].Found = true
		remaining--
		return remaining == 0, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OpenMember streams a single member. The caller must close the reader.
func OpenMember(path, name string) (io.ReadCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	cr, _, err := compress.NewReader(f, compress.Auto, path)
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	tr := tar.NewReader(cr)
	key := memberKey(name)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			_ = cr.Close()
			return nil, 0, fmt.Errorf("%w: %s", ErrMemberNotFound, name)
		}
		if err != nil && !insecureHeader(hdr, err) {
			_ = cr.Close()
			return nil, 0, err
		}
		if memberKey(hdr.Name) == key && hdr.Typeflag == tar.TypeReg {
			return &memberReader{Reader: tr, closer: cr}, hdr.Size, nil
		}
	}
}

type memberReader struct {
	io.Reader
	closer io.Closer
}

func (m *memberReader) Close() error { return m.closer.Close() }
