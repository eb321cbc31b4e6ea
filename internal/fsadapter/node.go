package fsadapter

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"gate/internal/store"
)

// Node is one entry in the passthrough tree. Its lock key is the path
// relative to the mount root ("." for the root itself).
type Node struct {
	fs.Inode
	fsys *FS
	key  string
}

var (
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeSetattrer  = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
	_ fs.NodeStatfser   = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeCreater    = (*Node)(nil)
	_ fs.NodeUnlinker   = (*Node)(nil)
	_ fs.NodeMkdirer    = (*Node)(nil)
	_ fs.NodeRmdirer    = (*Node)(nil)
	_ fs.NodeMknoder    = (*Node)(nil)
	_ fs.NodeRenamer    = (*Node)(nil)
	_ fs.NodeLinker     = (*Node)(nil)
	_ fs.NodeSymlinker  = (*Node)(nil)
)

func childKey(parentKey, name string) string {
	if parentKey == "." {
		return name
	}
	return parentKey + "/" + name
}

func (n *Node) realPath() string {
	return n.fsys.realPath(n.key)
}

func (n *Node) child(name string) *Node {
	return &Node{fsys: n.fsys, key: childKey(n.key, name)}
}

// NewRoot builds the root node of the passthrough tree.
func NewRoot(fsys *FS) *Node {
	return &Node{fsys: fsys, key: "."}
}

// Lookup is pure metadata, per §4.3's no-locking row: trust the
// underlying filesystem for an atomic stat.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	full := filepath.Join(n.realPath(), name)
	var st syscall.Stat_t
	if err := syscall.Lstat(full, &st); err != nil {
		return nil, syscall.Errno(err.(syscall.Errno))
	}

	child := n.child(name)
	out.Attr.FromStat(&st)
	childInode := n.NewInode(ctx, child, fs.StableAttr{Mode: uint32(st.Mode) & syscall.S_IFMT, Ino: st.Ino})
	return childInode, 0
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	var st syscall.Stat_t
	if err := syscall.Lstat(n.realPath(), &st); err != nil {
		errno := err.(syscall.Errno)
		if n.fsys.cfg.Debug && errno == syscall.ENOENT {
			n.fsys.cfg.Logger.Debug().Str("key", n.key).Msg("getattr: no such file")
		}
		return errno
	}
	out.FromStat(&st)
	return 0
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := os.Readlink(n.realPath())
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	if err := syscall.Statfs(n.realPath(), &st); err != nil {
		return err.(syscall.Errno)
	}
	out.FromStatfsT(&st)
	return 0
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(n.realPath())
	if err != nil {
		return nil, toErrno(err)
	}

	dirEntries := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		mode := uint32(0)
		if ok {
			mode = uint32(st.Mode) & syscall.S_IFMT
		}
		dirEntries = append(dirEntries, fuse.DirEntry{Name: e.Name(), Mode: mode})
	}
	return fs.NewListDirStream(dirEntries), 0
}

func writeyFlags(flags uint32) bool {
	acc := flags & syscall.O_ACCMODE
	return acc == syscall.O_WRONLY || acc == syscall.O_RDWR ||
		flags&syscall.O_TRUNC != 0 || flags&syscall.O_APPEND != 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	mode := store.ModeRead
	if writeyFlags(flags) {
		mode = store.ModeWrite
	}

	info, err := n.fsys.acquire(n.key, mode)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	if n.fsys.cfg.Debug {
		n.fsys.cfg.Logger.Debug().Str("key", n.key).Str("mode", string(mode)).Str("lock_id", info.LockID).Msg("open: lock acquired")
	}

	file, err := os.OpenFile(n.realPath(), int(flags), 0)
	if err != nil {
		n.fsys.release(info)
		return nil, 0, toErrno(err)
	}

	id, entry := n.fsys.handles.register(info.LockID, n.key, file)
	return &FileHandle{fsys: n.fsys, id: id, entry: entry}, 0, 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	child := n.child(name)

	info, err := n.fsys.acquire(child.key, store.ModeWrite)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	full := filepath.Join(n.realPath(), name)
	file, err := os.OpenFile(full, int(flags)|os.O_CREATE, os.FileMode(mode))
	if err != nil {
		n.fsys.release(info)
		return nil, nil, 0, toErrno(err)
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(full, &st); err == nil {
		out.Attr.FromStat(&st)
	}

	id, entry := n.fsys.handles.register(info.LockID, child.key, file)
	childInode := n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG})
	return childInode, &FileHandle{fsys: n.fsys, id: id, entry: entry}, 0, 0
}

func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	errno := syscall.Errno(0)
	err := n.fsys.withLock(n.key, store.ModeWrite, func() error {
		full := n.realPath()

		if mode, ok := in.GetMode(); ok {
			if err := os.Chmod(full, os.FileMode(mode)); err != nil {
				return err
			}
		}
		if uid, ok := in.GetUID(); ok {
			gid, _ := in.GetGID()
			if err := os.Chown(full, int(uid), int(gid)); err != nil {
				return err
			}
		}
		if size, ok := in.GetSize(); ok {
			if err := os.Truncate(full, int64(size)); err != nil {
				return err
			}
		}

		var st syscall.Stat_t
		if err := syscall.Lstat(full, &st); err != nil {
			return err
		}
		out.FromStat(&st)
		return nil
	})
	if err != nil {
		errno = toErrno(err)
	}
	return errno
}

func (n *Node) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.child(name)
	var childInode *fs.Inode

	err := n.fsys.withLock(child.key, store.ModeWrite, func() error {
		full := filepath.Join(n.realPath(), name)
		if err := syscall.Mknod(full, mode, int(rdev)); err != nil {
			return err
		}
		childInode = n.NewInode(ctx, child, fs.StableAttr{Mode: mode & syscall.S_IFMT})
		return nil
	})
	if err != nil {
		return nil, toErrno(err)
	}
	return childInode, 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.child(name)
	var childInode *fs.Inode

	err := n.fsys.withLock(child.key, store.ModeWrite, func() error {
		full := filepath.Join(n.realPath(), name)
		if err := os.Mkdir(full, os.FileMode(mode)); err != nil {
			return err
		}
		childInode = n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR})
		return nil
	})
	if err != nil {
		return nil, toErrno(err)
	}
	return childInode, 0
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	child := n.child(name)
	err := n.fsys.withLock(child.key, store.ModeWrite, func() error {
		return os.Remove(filepath.Join(n.realPath(), name))
	})
	return toErrno(err)
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	child := n.child(name)
	err := n.fsys.withLock(child.key, store.ModeWrite, func() error {
		return os.Remove(filepath.Join(n.realPath(), name))
	})
	return toErrno(err)
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.child(name)
	keys := []string{n.key, child.key}
	var childInode *fs.Inode

	err := n.fsys.withMultiLock(keys, func() error {
		full := filepath.Join(n.realPath(), name)
		if err := os.Symlink(target, full); err != nil {
			return err
		}
		childInode = n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFLNK})
		return nil
	})
	if err != nil {
		return nil, toErrno(err)
	}
	return childInode, 0
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	targetNode, ok := target.(*Node)
	if !ok {
		return nil, syscall.EINVAL
	}

	child := n.child(name)
	keys := []string{targetNode.key, child.key}
	var childInode *fs.Inode

	err := n.fsys.withMultiLock(keys, func() error {
		full := filepath.Join(n.realPath(), name)
		if err := os.Link(targetNode.realPath(), full); err != nil {
			return err
		}
		childInode = n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG})
		return nil
	})
	if err != nil {
		return nil, toErrno(err)
	}
	return childInode, 0
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newParentNode, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}

	oldKey := childKey(n.key, name)
	newKey := childKey(newParentNode.key, newName)
	keys := []string{oldKey, newKey}

	err := n.fsys.withMultiLock(keys, func() error {
		oldFull := filepath.Join(n.realPath(), name)
		newFull := filepath.Join(newParentNode.realPath(), newName)
		return os.Rename(oldFull, newFull)
	})
	return toErrno(err)
}
