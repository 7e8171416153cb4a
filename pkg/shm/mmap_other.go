//go:build !unix

package shm

// Create is not available without mmap
func Create(name string, cfg Config) (*Area, error) {
	return nil, ErrNotSupported
}

// Attach is not available without mmap
func Attach(name string) (*Area, error) {
	return nil, ErrNotSupported
}

// AttachAt is not available without mmap
func AttachAt(dir, name string) (*Area, error) {
	return nil, ErrNotSupported
}

// Unlink is a no-op for heap areas
func (a *Area) Unlink() error {
	return nil
}
