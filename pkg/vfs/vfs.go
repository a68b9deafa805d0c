// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vfs implements path resolution relative to a directory
// descriptor: no global namespace, no absolute paths,
// component-by-component `.`/`..` handling, and a 30-hop symlink cap.
// Resolution is oblivious to where a tree lives: in-kernel fd.Dir trees
// and pseudo-FD-served fd.Pseudo trees satisfy the same Directory
// interface, so a caller cannot tell which one it is walking.
package vfs

import (
	"strings"

	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/fd"
)

// NameMax is the maximum length of a single path component, checked
// before any lookup.
const NameMax = 255

// MaxSymlinkHops is the number of symlink expansions resolution
// tolerates before failing ELOOP.
const MaxSymlinkHops = 30

// Directory is the narrow interface resolution needs from a directory
// descriptor. *fd.Dir (in-kernel trees) and *fd.Pseudo (userspace-served
// trees) both satisfy it; only entries whose filetype is a directory are
// descended into.
type Directory interface {
	fd.Descriptor
	Lookup(name string) (fd.Descriptor, errno.Errno)
}

// Symlink is the narrow interface a directory entry must satisfy to be
// followed as a symlink during resolution; fd.Symlink implements it with
// a plain string target, fd.PseudoSymlink via an OpReadlink request.
type Symlink interface {
	ReadLink() (string, errno.Errno)
}

// Resolved is the (innermost-directory-fd, filename) pair resolution
// returns to the caller for the final component; the caller then issues
// the specific operation.
type Resolved struct {
	Dir      Directory
	Name     string
	Terminal fd.Descriptor // non-nil if Name already names an existing entry
}

// Resolve walks path starting at root, following symlinks up to
// MaxSymlinkHops times and rejecting absolute paths, `..` past root,
// non-directory non-final components, and over-long components.
func Resolve(root Directory, path string, followFinalSymlink bool) (Resolved, errno.Errno) {
	if strings.HasPrefix(path, "/") {
		return Resolved{}, errno.ENOTCAPABLE
	}

	stack := []Directory{root}
	hops := 0
	remaining := path

	for {
		components := strings.Split(remaining, "/")
		restarted := false
		for i := 0; i < len(components); i++ {
			comp := components[i]
			isFinal := i == len(components)-1
			if comp == "" || comp == "." {
				continue
			}
			if len(comp) > NameMax {
				return Resolved{}, errno.ENAMETOOLONG
			}
			cur := stack[len(stack)-1]
			if comp == ".." {
				if len(stack) <= 1 {
					return Resolved{}, errno.ENOTCAPABLE
				}
				stack = stack[:len(stack)-1]
				continue
			}

			entry, e := cur.Lookup(comp)
			if e != errno.Success {
				if isFinal && e == errno.ENOENT {
					return Resolved{Dir: cur, Name: comp}, errno.Success
				}
				return Resolved{}, e
			}

			if sl, ok := entry.(Symlink); ok && (!isFinal || followFinalSymlink) {
				hops++
				if hops > MaxSymlinkHops {
					return Resolved{}, errno.ELOOP
				}
				target, e := sl.ReadLink()
				if e != errno.Success {
					return Resolved{}, e
				}
				rest := strings.Join(components[i+1:], "/")
				if rest != "" {
					remaining = target + "/" + rest
				} else {
					remaining = target
				}
				restarted = true
			}
			if restarted {
				break
			}

			if isFinal {
				return Resolved{Dir: cur, Name: comp, Terminal: entry}, errno.Success
			}

			sub, ok := entry.(Directory)
			if !ok || sub.Filetype() != fd.FiletypeDirectory {
				return Resolved{}, errno.ENOTDIR
			}
			stack = append(stack, sub)
		}
		if !restarted {
			return Resolved{Dir: stack[len(stack)-1]}, errno.Success
		}
	}
}
