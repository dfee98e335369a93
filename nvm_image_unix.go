//go:build unix

package main

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NVMImage maps a file as shared memory so physical memory survives restarts
// of the core. Persist requests become msync on the touched pages.
type NVMImage struct {
	file *os.File
	data []byte
}

// OpenNVMImage opens (creating and sizing if needed) path and maps size bytes of it.
func OpenNVMImage(path string, size uint64) (*NVMImage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open nvm image")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat nvm image")
	}
	if uint64(info.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "grow nvm image to %d bytes", size)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap nvm image")
	}
	return &NVMImage{file: f, data: data}, nil
}

// Bytes returns the mapped region.
func (img *NVMImage) Bytes() []byte {
	return img.data
}

// Sync flushes the pages covering [off, off+n) to the image file.
func (img *NVMImage) Sync(off, n uint64) error {
	start := off & PAGE_MASK
	end := (off + n + PAGE_SIZE - 1) & PAGE_MASK
	if end > uint64(len(img.data)) {
		end = uint64(len(img.data))
	}
	if start >= end {
		return nil
	}
	return errors.Wrap(unix.Msync(img.data[start:end], unix.MS_SYNC), "msync nvm image")
}

func (img *NVMImage) Close() error {
	if img.data == nil {
		return nil
	}
	err := unix.Munmap(img.data)
	img.data = nil
	if cerr := img.file.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "close nvm image")
}
