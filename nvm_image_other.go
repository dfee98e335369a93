//go:build !unix

package main

import "github.com/pkg/errors"

// NVMImage is unavailable without mmap support.
type NVMImage struct{}

func OpenNVMImage(path string, size uint64) (*NVMImage, error) {
	return nil, errors.Errorf("nvm image %s: mmap backing needs a unix host", path)
}

func (img *NVMImage) Bytes() []byte { return nil }
func (img *NVMImage) Sync(off, n uint64) error { return nil }
func (img *NVMImage) Close() error { return nil }
