// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package errno is the kernel's flat error-kind set. Descriptor
// operations never return Go errors wrapping arbitrary context; they return
// one of the Errno constants below, which the syscall layer translates back
// into a CloudABI errno without allocating.
package errno

import (
	stdliberrors "errors"
	"fmt"
)

var (
	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Errno is the closed set of error kinds a descriptor operation may report.
// The zero value, Success, means "no error" and is never returned as an
// error (use nil instead); it exists so Errno can also be stored directly
// in a descriptor's last-error slot.
type Errno int

const (
	Success Errno = iota
	EBADF
	ENOTCAPABLE
	EINVAL
	ENOMEM
	ENOENT
	ENOTDIR
	EISDIR
	EEXIST
	ELOOP
	ENAMETOOLONG
	ENOTEMPTY
	EPIPE
	ENOTCONN
	EISCONN
	EADDRINUSE
	EADDRNOTAVAIL
	ECONNREFUSED
	ECONNRESET
	EPROTOTYPE
	EAFNOSUPPORT
	ENOBUFS
	ENOEXEC
	ENOSYS
	ENODEV
	EIO
	EXDEV
	EDESTADDRREQ
	EPERM
)

var names = [...]string{
	Success:       "success",
	EBADF:         "EBADF",
	ENOTCAPABLE:   "ENOTCAPABLE",
	EINVAL:        "EINVAL",
	ENOMEM:        "ENOMEM",
	ENOENT:        "ENOENT",
	ENOTDIR:       "ENOTDIR",
	EISDIR:        "EISDIR",
	EEXIST:        "EEXIST",
	ELOOP:         "ELOOP",
	ENAMETOOLONG:  "ENAMETOOLONG",
	ENOTEMPTY:     "ENOTEMPTY",
	EPIPE:         "EPIPE",
	ENOTCONN:      "ENOTCONN",
	EISCONN:       "EISCONN",
	EADDRINUSE:    "EADDRINUSE",
	EADDRNOTAVAIL: "EADDRNOTAVAIL",
	ECONNREFUSED:  "ECONNREFUSED",
	ECONNRESET:    "ECONNRESET",
	EPROTOTYPE:    "EPROTOTYPE",
	EAFNOSUPPORT:  "EAFNOSUPPORT",
	ENOBUFS:       "ENOBUFS",
	ENOEXEC:       "ENOEXEC",
	ENOSYS:        "ENOSYS",
	ENODEV:        "ENODEV",
	EIO:           "EIO",
	EXDEV:         "EXDEV",
	EDESTADDRREQ:  "EDESTADDRREQ",
	EPERM:         "EPERM",
}

func (e Errno) String() string {
	if int(e) < 0 || int(e) >= len(names) {
		return fmt.Sprintf("errno(%d)", int(e))
	}
	return names[e]
}

func (e Errno) Error() string {
	return e.String()
}

// Ok reports whether e represents success.
func (e Errno) Ok() bool {
	return e == Success
}

// NewRetryable wraps text in an error that satisfies Retryable, marking a
// transient failure that a retry loop may try again.
func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

// Retryable reports whether err (or something it wraps) was constructed by
// NewRetryable.
func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}
