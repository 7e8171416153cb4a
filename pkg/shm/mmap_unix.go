//go:build unix

// ABOUTME: File-backed shared areas mapped with mmap
// ABOUTME: The server creates an area by name, the client attaches to it
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

func path(name string) string {
	return filepath.Join(Dir, name)
}

func mapFile(fd int, size int) ([]byte, error) {
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return mem, nil
}

// Create makes a new named area readable and writable by the owner only
func Create(name string, cfg Config) (*Area, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fd, err := unix.Open(path(name), unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	defer unix.Close(fd)

	size := Size(cfg)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Unlink(path(name))
		return nil, fmt.Errorf("truncate %s: %w", name, err)
	}
	mem, err := mapFile(fd, size)
	if err != nil {
		_ = unix.Unlink(path(name))
		return nil, err
	}

	a := wrap(mem, cfg)
	a.name = name
	a.unmap = unix.Munmap
	a.init()
	return a, nil
}

// Attach maps an area created by another process. The sizing is read from
// the header and checked against the file size.
func Attach(name string) (*Area, error) {
	return AttachAt(Dir, name)
}

// AttachAt is Attach for an area living in dir, as announced by the server
func AttachAt(dir, name string) (*Area, error) {
	if name != filepath.Base(name) {
		return nil, fmt.Errorf("%w: bad area name %q", ErrBadConfig, name)
	}
	fd, err := unix.Open(filepath.Join(dir, name), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if st.Size < HeaderSize {
		return nil, ErrAreaTooSmall
	}
	mem, err := mapFile(fd, int(st.Size))
	if err != nil {
		return nil, err
	}

	a := wrap(mem, Config{})
	cfg := Config{
		UsedSize:   int(atomic.LoadUint32(&a.hdr.usedSize)),
		FrameBytes: int(atomic.LoadUint32(&a.hdr.frameBytes)),
	}
	if v := atomic.LoadUint32(&a.hdr.version); v != LayoutVersion {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: got %d want %d", ErrVersion, v, LayoutVersion)
	}
	if err := cfg.validate(); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	if Size(cfg) > len(mem) {
		_ = unix.Munmap(mem)
		return nil, ErrAreaTooSmall
	}
	a.usedSize = uint32(cfg.UsedSize)
	a.frameBytes = uint32(cfg.FrameBytes)
	a.name = name
	a.unmap = unix.Munmap
	return a, nil
}

// Unlink removes the backing file. Existing mappings stay valid.
func (a *Area) Unlink() error {
	if a.name == "" {
		return nil
	}
	if err := os.Remove(path(a.name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink %s: %w", a.name, err)
	}
	return nil
}
