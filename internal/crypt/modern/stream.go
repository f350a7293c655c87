package modern

import (
	"bufio"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/islishude/sett/internal/crypt"
)

// The plaintext inside the age stream is a sequence of frames
//
//	uint32 length | length bytes of payload
//
// ended by a zero length frame and followed by
//
//	uint32 length | ssh wire encoded signature
//
// The signature covers payloadContext followed by the SHA-512 of the payload.
const (
	maxFrame       = 1 << 20
	maxSignature   = 4096
	frameBufSize   = 64 << 10
	payloadContext = "sett payload v1\x00"
)

func payloadDigest(h hash.Hash) []byte {
	return append([]byte(payloadContext), h.Sum(nil)...)
}

type signingWriter struct {
	aw     io.WriteCloser
	buf    *bufio.Writer
	frames *frameWriter
	signer ssh.Signer
	closed bool
}

func newSigningWriter(aw io.WriteCloser, signer ssh.Signer) *signingWriter {
	fw := &frameWriter{w: aw, h: sha512.New()}
	return &signingWriter{aw: aw, buf: bufio.NewWriterSize(fw, frameBufSize), frames: fw, signer: signer}
}

func (s *signingWriter) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("write to closed payload writer")
	}
	return s.buf.Write(p)
}

func (s *signingWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.buf.Flush(); err != nil {
		return err
	}
	sig, err := s.signer.Sign(rand.Reader, payloadDigest(s.frames.h))
	if err != nil {
		return fmt.Errorf("signing payload: %w", err)
	}
	blob := ssh.Marshal(sig)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(blob)))
	if _, err := s.aw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.aw.Write(blob); err != nil {
		return err
	}
	return s.aw.Close()
}

type frameWriter struct {
	w io.Writer
	h hash.Hash
}

func (f *frameWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(chunk)))
		if _, err := f.w.Write(hdr[:]); err != nil {
			return written, err
		}
		n, err := f.w.Write(chunk)
		f.h.Write(chunk[:n])
		written += n
		if err != nil {
			return written, err
		}
		p = p[len(chunk):]
	}
	return written, nil
}

type verifyingReader struct {
	r         *bufio.Reader
	pub       ssh.PublicKey
	h         hash.Hash
	remaining uint32
	err       error
}

func newVerifyingReader(r io.Reader, pub ssh.PublicKey) *verifyingReader {
	return &verifyingReader{r: bufio.NewReader(r), pub: pub, h: sha512.New()}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	if v.err != nil {
		return 0, v.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for v.remaining == 0 {
		size, err := v.readLength()
		if err != nil {
			v.err = err
			return 0, err
		}
		if size == 0 {
			v.err = v.verify()
			return 0, v.err
		}
		if size > maxFrame {
			v.err = fmt.Errorf("%w: payload frame of %d bytes", crypt.ErrBadSignature, size)
			return 0, v.err
		}
		v.remaining = size
	}
	if uint32(len(p)) > v.remaining {
		p = p[:v.remaining]
	}
	n, err := v.r.Read(p)
	v.h.Write(p[:n])
	v.remaining -= uint32(n)
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: payload truncated", crypt.ErrBadSignature)
	}
	if err != nil {
		v.err = err
	}
	return n, err
}

func (v *verifyingReader) readLength() (uint32, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(v.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("%w: payload truncated", crypt.ErrBadSignature)
		}
		return 0, err
	}
	return binary.BigEndian.Uint32(hdr[:]), nil
}

// verify checks the trailer and returns io.EOF when the payload is authentic.
func (v *verifyingReader) verify() error {
	size, err := v.readLength()
	if err != nil {
		return err
	}
	if size == 0 || size > maxSignature {
		return fmt.Errorf("%w: invalid signature length %d", crypt.ErrBadSignature, size)
	}
	blob := make([]byte, size)
	if _, err := io.ReadFull(v.r, blob); err != nil {
		return fmt.Errorf("%w: payload truncated", crypt.ErrBadSignature)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(blob, &sig); err != nil {
		return fmt.Errorf("%w: %v", crypt.ErrBadSignature, err)
	}
	if err := v.pub.Verify(payloadDigest(v.h), &sig); err != nil {
		return fmt.Errorf("%w: %v", crypt.ErrBadSignature, err)
	}
	if _, err := v.r.ReadByte(); !errors.Is(err, io.EOF) {
		if err == nil {
			return fmt.Errorf("%w: trailing data after signature", crypt.ErrBadSignature)
		}
		return err
	}
	return io.EOF
}
