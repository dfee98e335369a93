package main

import (
	"github.com/pkg/errors"

	log "github.com/golang/glog"
)

// FileReadBegin copies the first chunk of a paged read: as many bytes of n as
// fit before the next page boundary of dst. The destination chunk is flushed
// before the copy. The returned continuation is valid even when nothing remains.
func (k *Kernels) FileReadBegin(src, dst, n uint64) (Continuation, error) {
	chunk := pageChunk(dst, n)
	if err := k.copyChunk(dst, src, chunk); err != nil {
		return Continuation{Src: src, Dst: dst, Remaining: n}, err
	}
	return Continuation{Src: src + chunk, Dst: dst + chunk, Remaining: n - chunk}, nil
}

// FileReadContinue carries c on into up to four further destination buffers.
// A zero address marks the end of the supplied buffers. Each chunk is sized
// against the continuation's current destination cursor; the cursor moves to
// the next buffer every time it lands on a page boundary. It stops when the
// buffers run out or nothing remains and returns the bytes copied.
func (k *Kernels) FileReadContinue(c *Continuation, bufs [COPY_EXT_BUFFERS]uint64) (uint64, error) {
	var copied uint64
	buf := 0
	entered := false
	for c.Remaining > 0 && buf < len(bufs) && bufs[buf] != 0 {
		chunk := pageChunk(c.Dst, c.Remaining)
		if !entered {
			c.Dst = bufs[buf]
			entered = true
		}
		if err := k.copyChunk(c.Dst, c.Src, chunk); err != nil {
			return copied, errors.Wrapf(err, "continuation buffer %d", buf)
		}
		c.Src += chunk
		c.Dst += chunk
		c.Remaining -= chunk
		copied += chunk
		if c.Dst%PAGE_SIZE == 0 {
			buf++
			entered = false
		}
	}
	return copied, nil
}

func (k *Kernels) copyChunk(dst, src, n uint64) error {
	if log.V(2) {
		log.Infof("copy $%X <- $%X (%d bytes)", dst, src, n)
	}
	k.Flush.Flush(dst, n)
	return k.Mem.Copy(dst, src, n)
}
