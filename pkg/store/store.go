// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package store is the reference userspace filesystem server: it holds the
// reverse end of a pseudo-FD channel and answers the kernel's
// requests out of an embedded badger key-value store. The kernel side never
// knows whether a directory tree is served by this process or by in-kernel
// fd.Dir/fd.File objects; that opacity is the whole point of the pseudo-FD
// mechanism.
//
// Layout: "meta/<inode>" holds the entry's filetype byte followed by its
// atim and mtim, "data/<inode>"
// the file contents or symlink target, "dirent/<parent>/<name>" the 8-byte
// child inode. Inode 1 is the root directory.
package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/rpc"
	"github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"
)

// Entry filetypes as carried in request/response Flags.
const (
	TypeDirectory uint64 = 1
	TypeFile      uint64 = 2
	TypeSymlink   uint64 = 3
)

// RootInode is the inode of the served tree's root directory.
const RootInode uint64 = 1

// Store serves one filesystem tree over one reverse-FD transport.
type Store struct {
	logger logr.Logger
	db     *badger.DB
	server *rpc.Server

	mu         sync.Mutex
	nextInode  uint64
	nextPseudo rpc.PseudoFD
	open       map[rpc.PseudoFD]uint64 // pseudofd -> inode
}

// Options configures New.
type Options struct {
	Logger    logr.Logger
	Transport rpc.Transport
	// Path is the badger directory; empty means in-memory (tests, and
	// the boot filesystems that are rebuilt from the initrd each boot).
	Path string
}

// New opens (or creates) the store and prepares the root directory.
func New(opts Options) (*Store, error) {
	if opts.Logger.GetSink() == nil {
		return nil, fmt.Errorf("logger is required")
	}
	bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.Path == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	s := &Store{
		logger:     opts.Logger.WithName("store"),
		db:         db,
		nextInode:  RootInode + 1,
		nextPseudo: 1,
		open:       make(map[rpc.PseudoFD]uint64),
	}
	if opts.Transport != nil {
		s.server = rpc.NewServer(opts.Transport)
	}
	if err := s.ensureRoot(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureRoot() error {
	return s.update(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(RootInode))
		if err == badger.ErrKeyNotFound {
			return txn.Set(metaKey(RootInode), encodeMeta(TypeDirectory, 0, 0))
		}
		return err
	})
}

func metaKey(inode uint64) []byte {
	return []byte(fmt.Sprintf("meta/%016x", inode))
}

func dataKey(inode uint64) []byte {
	return []byte(fmt.Sprintf("data/%016x", inode))
}

func direntKey(parent uint64, name string) []byte {
	return []byte(fmt.Sprintf("dirent/%016x/%s", parent, name))
}

func direntPrefix(parent uint64) []byte {
	return []byte(fmt.Sprintf("dirent/%016x/", parent))
}

// Meta records are filetype byte + atim + mtim; older single-byte
// records decode with zero timestamps.
func encodeMeta(filetype, atim, mtim uint64) []byte {
	buf := make([]byte, 17)
	buf[0] = byte(filetype)
	binary.LittleEndian.PutUint64(buf[1:9], atim)
	binary.LittleEndian.PutUint64(buf[9:17], mtim)
	return buf
}

func decodeMeta(val []byte) (filetype, atim, mtim uint64) {
	filetype = uint64(val[0])
	if len(val) >= 17 {
		atim = binary.LittleEndian.Uint64(val[1:9])
		mtim = binary.LittleEndian.Uint64(val[9:17])
	}
	return filetype, atim, mtim
}

// update runs fn in a read-write transaction, retrying transaction
// conflicts with bounded backoff.
func (s *Store) update(fn func(*badger.Txn) error) error {
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		err := s.db.Update(fn)
		if err == badger.ErrConflict {
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(8))
	return err
}

// Start reads requests until the transport fails or ctx is cancelled; it
// satisfies controller-runtime's Runnable contract so internal/kernel can
// run it alongside the other subsystems.
func (s *Store) Start(ctx context.Context) error {
	if s.server == nil {
		return fmt.Errorf("store has no transport to serve")
	}
	s.logger.Info("serving filesystem requests")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		req, err := s.server.ReadRequest()
		if err != nil {
			return err
		}
		resp := s.Handle(&req)
		if err := s.server.WriteResponse(&resp); err != nil {
			return err
		}
	}
}

func fail(e errno.Errno) rpc.Response {
	return rpc.Response{Result: -int64(e)}
}

// errnoOf unwraps an Errno a transaction function returned through the
// retry helper's wrapping.
func errnoOf(err error) (errno.Errno, bool) {
	var e errno.Errno
	if err != nil && errno.As(err, &e) {
		return e, true
	}
	return 0, false
}

// Handle answers one request. Exported so in-process callers (tests, and
// kernels embedding the server without a socket) can drive the store
// through the exact same code path the transport uses.
func (s *Store) Handle(req *rpc.Request) rpc.Response {
	switch req.Op {
	case rpc.OpLookup:
		return s.lookup(req)
	case rpc.OpOpen:
		return s.openInode(req)
	case rpc.OpCreate:
		return s.create(req)
	case rpc.OpReaddir:
		return s.readdir(req)
	case rpc.OpPread:
		return s.pread(req)
	case rpc.OpPwrite:
		return s.pwrite(req)
	case rpc.OpStatGet, rpc.OpStatFGet:
		return s.statGet(req)
	case rpc.OpStatPut, rpc.OpStatFPut:
		return s.statPut(req)
	case rpc.OpRename:
		return s.rename(req)
	case rpc.OpLink:
		return s.link(req)
	case rpc.OpSymlink:
		return s.symlink(req)
	case rpc.OpReadlink:
		return s.readlink(req)
	case rpc.OpUnlink:
		return s.unlink(req)
	case rpc.OpClose:
		s.mu.Lock()
		delete(s.open, req.PseudoFD)
		s.mu.Unlock()
		return rpc.Response{}
	case rpc.OpDatasync, rpc.OpSync:
		if err := s.db.Sync(); err != nil {
			// In-memory stores have nothing to sync.
			return rpc.Response{}
		}
		return rpc.Response{}
	case rpc.OpAllocate:
		return s.allocate(req)
	default:
		return fail(errno.ENOSYS)
	}
}

func (s *Store) lookup(req *rpc.Request) rpc.Response {
	name := string(req.Buffer[:req.Length])
	var child uint64
	var filetype uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(direntKey(req.Inode, name))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		child = binary.LittleEndian.Uint64(val)
		meta, err := txn.Get(metaKey(child))
		if err != nil {
			return err
		}
		mval, err := meta.ValueCopy(nil)
		if err != nil {
			return err
		}
		filetype = uint64(mval[0])
		return nil
	})
	if errno.Is(err, badger.ErrKeyNotFound) {
		return fail(errno.ENOENT)
	}
	if err != nil {
		return fail(errno.EIO)
	}
	return rpc.Response{Result: int64(child), Flags: filetype}
}

func (s *Store) openInode(req *rpc.Request) rpc.Response {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(req.Inode))
		return err
	})
	if errno.Is(err, badger.ErrKeyNotFound) {
		return fail(errno.ENOENT)
	}
	if err != nil {
		return fail(errno.EIO)
	}
	s.mu.Lock()
	id := s.nextPseudo
	s.nextPseudo++
	s.open[id] = req.Inode
	s.mu.Unlock()
	return rpc.Response{Result: int64(id)}
}

func (s *Store) create(req *rpc.Request) rpc.Response {
	name := string(req.Buffer[:req.Length])
	if name == "" || strings.Contains(name, "/") {
		return fail(errno.EINVAL)
	}
	filetype := req.Flags
	if filetype != TypeDirectory && filetype != TypeFile {
		return fail(errno.EINVAL)
	}
	s.mu.Lock()
	inode := s.nextInode
	s.nextInode++
	s.mu.Unlock()
	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(direntKey(req.Inode, name)); err == nil {
			return errno.EEXIST
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], inode)
		if err := txn.Set(direntKey(req.Inode, name), buf[:]); err != nil {
			return err
		}
		return txn.Set(metaKey(inode), encodeMeta(filetype, 0, 0))
	})
	if e, ok := errnoOf(err); ok {
		return fail(e)
	}
	if err != nil {
		return fail(errno.EIO)
	}
	return rpc.Response{Result: int64(inode)}
}

// readdir packs NUL-terminated names into the response buffer starting at
// entry index req.Offset; Flags carries the next cookie, zero when the
// listing is complete.
func (s *Store) readdir(req *rpc.Request) rpc.Response {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := direntPrefix(req.Inode)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return fail(errno.EIO)
	}
	sort.Strings(names)

	resp := rpc.Response{}
	cookie := req.Offset
	count := 0
	for i := int(cookie); i < len(names); i++ {
		entry := append([]byte(names[i]), 0)
		if int(resp.Length)+len(entry) > rpc.MaxPayload {
			resp.Flags = uint64(i) // resume here
			break
		}
		copy(resp.Buffer[resp.Length:], entry)
		resp.Length += uint8(len(entry))
		count++
	}
	resp.Result = int64(count)
	return resp
}

func (s *Store) pread(req *rpc.Request) rpc.Response {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(req.Inode))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return fail(errno.EIO)
	}
	resp := rpc.Response{}
	if req.Offset < uint64(len(data)) {
		n := copy(resp.Buffer[:req.Length], data[req.Offset:])
		resp.Length = uint8(n)
		resp.Result = int64(n)
	}
	return resp
}

func (s *Store) pwrite(req *rpc.Request) rpc.Response {
	payload := req.Buffer[:req.Length]
	err := s.update(func(txn *badger.Txn) error {
		var data []byte
		item, err := txn.Get(dataKey(req.Inode))
		if err == nil {
			data, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		end := req.Offset + uint64(len(payload))
		if end > uint64(len(data)) {
			grown := make([]byte, end)
			copy(grown, data)
			data = grown
		}
		copy(data[req.Offset:], payload)
		return txn.Set(dataKey(req.Inode), data)
	})
	if err != nil {
		return fail(errno.EIO)
	}
	return rpc.Response{Result: int64(len(payload))}
}

func (s *Store) statGet(req *rpc.Request) rpc.Response {
	var filetype, atim, mtim uint64
	var size int64
	err := s.db.View(func(txn *badger.Txn) error {
		meta, err := txn.Get(metaKey(req.Inode))
		if err != nil {
			return err
		}
		mval, err := meta.ValueCopy(nil)
		if err != nil {
			return err
		}
		filetype, atim, mtim = decodeMeta(mval)
		if item, err := txn.Get(dataKey(req.Inode)); err == nil {
			size = int64(item.ValueSize())
		}
		return nil
	})
	if errno.Is(err, badger.ErrKeyNotFound) {
		return fail(errno.ENOENT)
	}
	if err != nil {
		return fail(errno.EIO)
	}
	resp := rpc.Response{Result: size, Flags: filetype, Length: 16}
	binary.LittleEndian.PutUint64(resp.Buffer[0:8], atim)
	binary.LittleEndian.PutUint64(resp.Buffer[8:16], mtim)
	return resp
}

// statPut applies the which-fields flags to the inode's metadata: size
// truncates or zero-extends the data record, atim/mtim rewrite the meta
// record. The three values ride in the request buffer.
func (s *Store) statPut(req *rpc.Request) rpc.Response {
	if req.Length < 24 {
		return fail(errno.EINVAL)
	}
	size := binary.LittleEndian.Uint64(req.Buffer[0:8])
	atim := binary.LittleEndian.Uint64(req.Buffer[8:16])
	mtim := binary.LittleEndian.Uint64(req.Buffer[16:24])

	err := s.update(func(txn *badger.Txn) error {
		meta, err := txn.Get(metaKey(req.Inode))
		if err != nil {
			return err
		}
		mval, err := meta.ValueCopy(nil)
		if err != nil {
			return err
		}
		filetype, curATim, curMTim := decodeMeta(mval)
		if req.Flags&rpc.StatPutSize != 0 {
			if filetype == TypeDirectory {
				return errno.EISDIR
			}
			var data []byte
			if item, err := txn.Get(dataKey(req.Inode)); err == nil {
				data, err = item.ValueCopy(nil)
				if err != nil {
					return err
				}
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			if size <= uint64(len(data)) {
				data = data[:size]
			} else {
				grown := make([]byte, size)
				copy(grown, data)
				data = grown
			}
			if err := txn.Set(dataKey(req.Inode), data); err != nil {
				return err
			}
		}
		if req.Flags&rpc.StatPutATim != 0 {
			curATim = atim
		}
		if req.Flags&rpc.StatPutMTim != 0 {
			curMTim = mtim
		}
		return txn.Set(metaKey(req.Inode), encodeMeta(filetype, curATim, curMTim))
	})
	if e, ok := errnoOf(err); ok {
		return fail(e)
	}
	if errno.Is(err, badger.ErrKeyNotFound) {
		return fail(errno.ENOENT)
	}
	if err != nil {
		return fail(errno.EIO)
	}
	return rpc.Response{}
}

// rename moves "old\x00new" out of the parent directory req.Inode; a
// nonzero Flags names a different target parent directory.
func (s *Store) rename(req *rpc.Request) rpc.Response {
	parts := strings.SplitN(string(req.Buffer[:req.Length]), "\x00", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fail(errno.EINVAL)
	}
	dstParent := req.Inode
	if req.Flags != 0 {
		dstParent = req.Flags
	}
	err := s.update(func(txn *badger.Txn) error {
		item, err := txn.Get(direntKey(req.Inode, parts[0]))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if _, err := txn.Get(metaKey(dstParent)); err != nil {
			return err
		}
		if err := txn.Delete(direntKey(req.Inode, parts[0])); err != nil {
			return err
		}
		return txn.Set(direntKey(dstParent, parts[1]), val)
	})
	if errno.Is(err, badger.ErrKeyNotFound) {
		return fail(errno.ENOENT)
	}
	if err != nil {
		return fail(errno.EIO)
	}
	return rpc.Response{}
}

// link creates a new name in directory req.Flags pointing at inode
// req.Inode.
func (s *Store) link(req *rpc.Request) rpc.Response {
	name := string(req.Buffer[:req.Length])
	if name == "" {
		return fail(errno.EINVAL)
	}
	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey(req.Inode)); err != nil {
			return err
		}
		if _, err := txn.Get(direntKey(req.Flags, name)); err == nil {
			return errno.EEXIST
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], req.Inode)
		return txn.Set(direntKey(req.Flags, name), buf[:])
	})
	if e, ok := errnoOf(err); ok {
		return fail(e)
	}
	if errno.Is(err, badger.ErrKeyNotFound) {
		return fail(errno.ENOENT)
	}
	if err != nil {
		return fail(errno.EIO)
	}
	return rpc.Response{}
}

// symlink creates "name\x00target" under directory req.Inode.
func (s *Store) symlink(req *rpc.Request) rpc.Response {
	parts := strings.SplitN(string(req.Buffer[:req.Length]), "\x00", 2)
	if len(parts) != 2 || parts[0] == "" {
		return fail(errno.EINVAL)
	}
	s.mu.Lock()
	inode := s.nextInode
	s.nextInode++
	s.mu.Unlock()
	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(direntKey(req.Inode, parts[0])); err == nil {
			return errno.EEXIST
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], inode)
		if err := txn.Set(direntKey(req.Inode, parts[0]), buf[:]); err != nil {
			return err
		}
		if err := txn.Set(metaKey(inode), encodeMeta(TypeSymlink, 0, 0)); err != nil {
			return err
		}
		return txn.Set(dataKey(inode), []byte(parts[1]))
	})
	if e, ok := errnoOf(err); ok {
		return fail(e)
	}
	if err != nil {
		return fail(errno.EIO)
	}
	return rpc.Response{Result: int64(inode)}
}

func (s *Store) readlink(req *rpc.Request) rpc.Response {
	var target []byte
	err := s.db.View(func(txn *badger.Txn) error {
		meta, err := txn.Get(metaKey(req.Inode))
		if err != nil {
			return err
		}
		mval, err := meta.ValueCopy(nil)
		if err != nil {
			return err
		}
		if uint64(mval[0]) != TypeSymlink {
			return errno.EINVAL
		}
		item, err := txn.Get(dataKey(req.Inode))
		if err != nil {
			return err
		}
		target, err = item.ValueCopy(nil)
		return err
	})
	if e, ok := errnoOf(err); ok {
		return fail(e)
	}
	if errno.Is(err, badger.ErrKeyNotFound) {
		return fail(errno.ENOENT)
	}
	if err != nil {
		return fail(errno.EIO)
	}
	resp := rpc.Response{Result: int64(len(target))}
	resp.Length = uint8(copy(resp.Buffer[:], target))
	return resp
}

func (s *Store) unlink(req *rpc.Request) rpc.Response {
	name := string(req.Buffer[:req.Length])
	err := s.update(func(txn *badger.Txn) error {
		item, err := txn.Get(direntKey(req.Inode, name))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		child := binary.LittleEndian.Uint64(val)
		// A directory must be empty before it can go.
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := direntPrefix(child)
		it.Seek(prefix)
		if it.ValidForPrefix(prefix) {
			return errno.ENOTEMPTY
		}
		return txn.Delete(direntKey(req.Inode, name))
	})
	if e, ok := errnoOf(err); ok {
		return fail(e)
	}
	if errno.Is(err, badger.ErrKeyNotFound) {
		return fail(errno.ENOENT)
	}
	if err != nil {
		return fail(errno.EIO)
	}
	return rpc.Response{}
}

func (s *Store) allocate(req *rpc.Request) rpc.Response {
	err := s.update(func(txn *badger.Txn) error {
		var data []byte
		item, err := txn.Get(dataKey(req.Inode))
		if err == nil {
			data, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		end := req.Offset + req.Flags // Flags carries the length
		if end > uint64(len(data)) {
			grown := make([]byte, end)
			copy(grown, data)
			data = grown
		}
		return txn.Set(dataKey(req.Inode), data)
	})
	if err != nil {
		return fail(errno.EIO)
	}
	return rpc.Response{}
}
