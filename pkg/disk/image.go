// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package disk

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/log"
)

// ImageOpts configures how an image file is opened.
type ImageOpts struct {
	// LockTimeout bounds how long OpenImage waits for another kernel to
	// release the image. Zero means a single attempt.
	LockTimeout time.Duration
}

// ImageBackend is a device stored in a host file. The file is locked for the
// lifetime of the backend, so two kernels never attach the same image.
type ImageBackend struct {
	path   string
	f      *os.File
	lock   *flock.Flock
	blocks uint32
}

func lockImage(path string, timeout time.Duration) (*flock.Flock, error) {
	l := flock.NewFlock(path)
	op := func() error {
		ok, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("locking %q: %w", path, err))
		}
		if !ok {
			return fmt.Errorf("disk image %q is in use: %w", path, linuxerr.EBUSY)
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout
	if timeout == 0 {
		return l, op()
	}
	return l, backoff.Retry(op, b)
}

// OpenImage attaches the image file at path. Its size must be a whole number
// of blocks.
func OpenImage(path string, opts ImageOpts) (*ImageBackend, error) {
	// The lock would create a missing file; refuse to attach one.
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	l, err := lockImage(path, opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		l.Unlock()
		return nil, err
	}
	if st.Size()%BlockSize != 0 {
		f.Close()
		l.Unlock()
		return nil, fmt.Errorf("disk image %q: size %d is not a multiple of %d: %w", path, st.Size(), BlockSize, linuxerr.EINVAL)
	}
	log.Debugf("Opened disk image %q: %d blocks", path, st.Size()/BlockSize)
	return &ImageBackend{
		path:   path,
		f:      f,
		lock:   l,
		blocks: uint32(st.Size() / BlockSize),
	}, nil
}

// CreateImage creates a zero-filled image file of n blocks. It fails if the
// file exists.
func CreateImage(path string, n uint32) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(n) * BlockSize); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// ReadBlock implements Backend.ReadBlock.
func (b *ImageBackend) ReadBlock(n uint32, dst []byte) error {
	if _, err := b.f.ReadAt(dst[:BlockSize], int64(n)*BlockSize); err != nil {
		if err == io.EOF {
			return fmt.Errorf("%q block %d: short read: %w", b.path, n, linuxerr.EIO)
		}
		return err
	}
	return nil
}

// WriteBlock implements Backend.WriteBlock.
func (b *ImageBackend) WriteBlock(n uint32, src []byte) error {
	_, err := b.f.WriteAt(src[:BlockSize], int64(n)*BlockSize)
	return err
}

// NumBlocks implements Backend.NumBlocks.
func (b *ImageBackend) NumBlocks() uint32 {
	return b.blocks
}

// Sync implements Backend.Sync.
func (b *ImageBackend) Sync() error {
	return unix.Fdatasync(int(b.f.Fd()))
}

// Close implements Backend.Close.
func (b *ImageBackend) Close() error {
	err := b.f.Close()
	if uerr := b.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
