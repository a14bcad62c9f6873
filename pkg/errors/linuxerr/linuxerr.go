// Copyright 2021 The gVisor Authors.
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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"kcore.dev/kcore/pkg/errors"
)

var (
	noError *errors.Error = nil
	EIO                   = errors.New(unix.EIO, "I/O error")
	E2BIG                 = errors.New(unix.E2BIG, "argument list too long")
	EBADF                 = errors.New(unix.EBADF, "bad file number")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EACCES                = errors.New(unix.EACCES, "permission denied")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	ENODEV                = errors.New(unix.ENODEV, "no such device")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	EFBIG                 = errors.New(unix.EFBIG, "file too large")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
	ERANGE                = errors.New(unix.ERANGE, "math result not representable")
	ENAMETOOLONG          = errors.New(unix.ENAMETOOLONG, "file name too long")
)

var errorSlice = []*errors.Error{
	EIO, E2BIG, EBADF, ENOMEM, EACCES, EFAULT, EBUSY, ENODEV, EINVAL,
	EFBIG, ENOSPC, ERANGE, ENAMETOOLONG,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos that kcore never
// produces are returned unchanged.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	for _, e := range errorSlice {
		if e.Errno() == err {
			return e
		}
	}
	return err
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error. Errors wrapped with %w are
// unwrapped before comparison.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	var kerr *errors.Error
	if goerrors.As(err, &kerr) {
		return kerr.Errno() == e.Errno()
	}
	var unixErr unix.Errno
	if goerrors.As(err, &unixErr) {
		return unixErr == e.Errno()
	}
	return false
}
