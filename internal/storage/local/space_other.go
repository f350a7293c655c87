//go:build !unix

package local

func FreeSpace(string) (uint64, error) { return 0, ErrSpaceUnknown }

func writable(string) error { return nil }
