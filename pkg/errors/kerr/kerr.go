// Copyright 2026 The gVisor Authors.
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

// Package kerr contains kernel status codes exported as error interface
// pointers. Values are compared by identity, so errors.Is works on wrapped
// errors.
package kerr

import (
	goerrors "errors"

	"dmapin.dev/dmapin/pkg/abi/dma"
	"dmapin.dev/dmapin/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrInternal     = errors.New(dma.StatusInternal, "internal error")
	ErrNotSupported = errors.New(dma.StatusNotSupported, "operation not supported")
	ErrNoResources  = errors.New(dma.StatusNoResources, "no resources")
	ErrNoMemory     = errors.New(dma.StatusNoMemory, "out of memory")
	ErrInvalidArgs  = errors.New(dma.StatusInvalidArgs, "invalid argument")
	ErrBadHandle    = errors.New(dma.StatusBadHandle, "bad handle")
	ErrWrongType    = errors.New(dma.StatusWrongType, "wrong object type")
	ErrOutOfRange   = errors.New(dma.StatusOutOfRange, "out of range")
	ErrBadState     = errors.New(dma.StatusBadState, "bad state")
	ErrNotFound     = errors.New(dma.StatusNotFound, "not found")
	ErrUnavailable  = errors.New(dma.StatusUnavailable, "unavailable")
	ErrAccessDenied = errors.New(dma.StatusAccessDenied, "access denied")
	ErrIO           = errors.New(dma.StatusIO, "I/O error")
)

var byStatus = map[dma.Status]*errors.Error{
	dma.StatusInternal:     ErrInternal,
	dma.StatusNotSupported: ErrNotSupported,
	dma.StatusNoResources:  ErrNoResources,
	dma.StatusNoMemory:     ErrNoMemory,
	dma.StatusInvalidArgs:  ErrInvalidArgs,
	dma.StatusBadHandle:    ErrBadHandle,
	dma.StatusWrongType:    ErrWrongType,
	dma.StatusOutOfRange:   ErrOutOfRange,
	dma.StatusBadState:     ErrBadState,
	dma.StatusNotFound:     ErrNotFound,
	dma.StatusUnavailable:  ErrUnavailable,
	dma.StatusAccessDenied: ErrAccessDenied,
	dma.StatusIO:           ErrIO,
}

// FromStatus returns the error for status s, or nil for StatusOK.
func FromStatus(s dma.Status) *errors.Error {
	if s == dma.StatusOK {
		return nil
	}
	if e, ok := byStatus[s]; ok {
		return e
	}
	return ErrInternal
}

// FromUnix converts a host errno into the closest kernel error.
func FromUnix(errno unix.Errno) *errors.Error {
	switch errno {
	case 0:
		return nil
	case unix.ENOMEM:
		return ErrNoMemory
	case unix.EAGAIN:
		return ErrNoResources
	case unix.EINVAL:
		return ErrInvalidArgs
	case unix.EPERM, unix.EACCES:
		return ErrAccessDenied
	case unix.ENOENT:
		return ErrNotFound
	case unix.EFAULT, unix.ERANGE:
		return ErrOutOfRange
	case unix.EBADF:
		return ErrBadHandle
	case unix.ENOSYS, unix.EOPNOTSUPP:
		return ErrNotSupported
	case unix.EIO:
		return ErrIO
	default:
		return ErrIO
	}
}

// ToError converts err into a kernel error. Kernel errors (possibly wrapped)
// are returned as is, host errno values are converted with FromUnix and
// anything else is reported as ErrIO.
func ToError(err error) *errors.Error {
	if err == nil {
		return nil
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return FromUnix(errno)
	}
	return ErrIO
}

// Status returns the status code carried by err.
func Status(err error) dma.Status {
	if e := ToError(err); e != nil {
		return e.Status()
	}
	return dma.StatusOK
}

// Equals compares an *errors.Error to err, unwrapping err as needed.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	return goerrors.Is(err, e)
}
