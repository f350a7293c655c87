// Package local manages the files and directories sett writes on the local
// disk.
package local

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Output is a file that is removed on Close unless it was committed first.
type Output struct {
	*os.File
	committed bool
	closed    bool
}

// CreateOutput creates path exclusively in an existing directory. An
// existing file is never truncated.
func CreateOutput(path string) (*Output, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Output{File: f}, nil
}

// CreateTemp creates a scratch file in dir. It is never committed, so Close
// always removes it.
func CreateTemp(dir, pattern string) (*Output, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return &Output{File: f}, nil
}

// Commit closes the file and keeps it on disk.
func (o *Output) Commit() error {
	if o.closed {
		return errors.New("output already closed")
	}
	o.closed = true
	if err := o.File.Close(); err != nil {
		_ = os.Remove(o.Name())
		return err
	}
	o.committed = true
	return nil
}

// Close removes the file unless Commit succeeded. It is safe to defer
// alongside Commit.
func (o *Output) Close() error {
	if o.committed {
		return nil
	}
	var err error
	if !o.closed {
		o.closed = true
		err = o.File.Close()
	}
	if rerr := os.Remove(o.Name()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}

// CheckWritableDir fails unless dir is an existing directory this process
// may create files in. Nothing is created.
func CheckWritableDir(dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("output directory: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("output directory %s is not a directory", dir)
	}
	if err := writable(dir); err != nil {
		return fmt.Errorf("output directory %s is not writable: %w", dir, err)
	}
	return nil
}

// UniqueDir creates and returns parent/name, or parent/name_1, name_2, ...
// when earlier candidates exist. parent must already exist, so removing the
// returned directory undoes everything UniqueDir created. Mkdir is the
// collision check, so two concurrent callers never receive the same
// directory.
func UniqueDir(parent, name string) (string, error) {
	if err := CheckWritableDir(parent); err != nil {
		return "", err
	}
	for i := 0; i < 10000; i++ {
		candidate := name
		if i > 0 {
			candidate = name + "_" + strconv.Itoa(i)
		}
		p := filepath.Join(parent, candidate)
		err := os.Mkdir(p, 0o755)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free directory name for %s in %s", name, parent)
}
