// Package storage defines the two remote interfaces a storage server
// exposes (§4.4): StorageOp, served to clients, and CommandOp, served
// to the naming server. The storage server's own local file I/O is
// out of scope (§1) — this package defines the contracts those
// servers must satisfy and a reference in-memory implementation
// (MemStore) used for testing the naming server and for the
// cmd/storageserver reference binary.
package storage

import (
	"github.com/branchfs/branchfs/errors"
	"github.com/branchfs/branchfs/path"
	"github.com/branchfs/branchfs/rpc"
)

// Endpoint is a storage server's network address for one of its two
// remote interfaces.
type Endpoint = rpc.Proxy

// Ref is a StorageRef (§3): the pair of endpoints identifying one
// storage server. Two refs are equal iff both endpoints are equal.
type Ref struct {
	Storage rpc.Proxy
	Command rpc.Proxy
}

// Equal reports whether r and q identify the same storage server.
func (r Ref) Equal(q Ref) bool {
	return r.Storage.Equal(q.Storage) && r.Command.Equal(q.Command)
}

// String returns a printable form of r.
func (r Ref) String() string {
	return r.Storage.String()
}

// StorageOp is served to clients. read and write require the file to
// exist and not be a directory.
type StorageOp interface {
	// Size returns the size in bytes of the file at path.
	Size(p path.Path) (int64, error)
	// Read returns length bytes starting at offset. It fails with
	// ArgumentInvalid if offset or length is out of range, or if the
	// file cannot be read.
	Read(p path.Path, offset int64, length int) ([]byte, error)
	// Write writes data at offset, extending the file as needed.
	Write(p path.Path, offset int64, data []byte) error
}

// CommandOp is served to the naming server.
type CommandOp interface {
	// Create creates an empty file at path, creating intermediate
	// directories as needed. It returns false if the file already
	// exists or the parent directory could not be created.
	Create(p path.Path) (bool, error)
	// Delete recursively removes path and prunes any now-empty parent
	// directories up to (but not including) the storage server's root.
	Delete(p path.Path) error
	// Copy fetches path in bounded-size chunks from source's StorageOp
	// and writes it locally.
	Copy(p path.Path, source rpc.Proxy) error
}

// wire argument/reply shapes, one per method: each remote interface's
// methods are individually typed instead of marshalled through a
// generic interface{} tuple.

type sizeArgs struct{ Path []string }
type sizeReply struct{ Size int64 }

type readArgs struct {
	Path   []string
	Offset int64
	Length int32
}
type readReply struct{ Data []byte }

type writeArgs struct {
	Path   []string
	Offset int64
	Data   []byte
}

type createArgs struct{ Path []string }
type createReply struct{ Created bool }

type deleteArgs struct{ Path []string }

type copyArgs struct {
	Path   []string
	Source string
}

func toWire(p path.Path) []string { return p.Elems() }

func fromWire(elems []string) (path.Path, error) {
	return path.New(elems...)
}

const (
	opSize   = "StorageOp.Size"
	opRead   = "StorageOp.Read"
	opWrite  = "StorageOp.Write"
	cmdCreate = "CommandOp.Create"
	cmdDelete = "CommandOp.Delete"
	cmdCopy   = "CommandOp.Copy"
)

// OpProxy is the client-side StorageOp proxy: a typed, hand-written
// stand-in for what a reflective RMI stub would otherwise generate
// (§9's design note).
type OpProxy struct {
	rpc.Proxy
}

// NewOpProxy returns a proxy to the StorageOp served at addr.
func NewOpProxy(addr string) OpProxy {
	return OpProxy{rpc.Proxy{Interface: "StorageOp", Addr: addr}}
}

var _ StorageOp = OpProxy{}

func (p OpProxy) Size(fp path.Path) (int64, error) {
	args, err := rpc.Marshal(&sizeArgs{Path: toWire(fp)})
	if err != nil {
		return 0, err
	}
	var reply sizeReply
	if err := rpc.Call("tcp", p.Addr, opSize, args, &reply); err != nil {
		return 0, err
	}
	return reply.Size, nil
}

func (p OpProxy) Read(fp path.Path, offset int64, length int) ([]byte, error) {
	args, err := rpc.Marshal(&readArgs{Path: toWire(fp), Offset: offset, Length: int32(length)})
	if err != nil {
		return nil, err
	}
	var reply readReply
	if err := rpc.Call("tcp", p.Addr, opRead, args, &reply); err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func (p OpProxy) Write(fp path.Path, offset int64, data []byte) error {
	args, err := rpc.Marshal(&writeArgs{Path: toWire(fp), Offset: offset, Data: data})
	if err != nil {
		return err
	}
	return rpc.Call("tcp", p.Addr, opWrite, args, nil)
}

// CommandProxy is the naming server's side of CommandOp.
type CommandProxy struct {
	rpc.Proxy
}

// NewCommandProxy returns a proxy to the CommandOp served at addr.
func NewCommandProxy(addr string) CommandProxy {
	return CommandProxy{rpc.Proxy{Interface: "CommandOp", Addr: addr}}
}

var _ CommandOp = CommandProxy{}

func (p CommandProxy) Create(fp path.Path) (bool, error) {
	args, err := rpc.Marshal(&createArgs{Path: toWire(fp)})
	if err != nil {
		return false, err
	}
	var reply createReply
	if err := rpc.Call("tcp", p.Addr, cmdCreate, args, &reply); err != nil {
		return false, err
	}
	return reply.Created, nil
}

func (p CommandProxy) Delete(fp path.Path) error {
	args, err := rpc.Marshal(&deleteArgs{Path: toWire(fp)})
	if err != nil {
		return err
	}
	return rpc.Call("tcp", p.Addr, cmdDelete, args, nil)
}

func (p CommandProxy) Copy(fp path.Path, source rpc.Proxy) error {
	args, err := rpc.Marshal(&copyArgs{Path: toWire(fp), Source: source.Addr})
	if err != nil {
		return err
	}
	return rpc.Call("tcp", p.Addr, cmdCopy, args, nil)
}

// OpDispatcher serves a StorageOp implementation over rpc.Listener.
type OpDispatcher struct {
	Impl StorageOp
}

var _ rpc.Dispatcher = OpDispatcher{}

func (d OpDispatcher) Dispatch(method string, raw []byte) ([]byte, error) {
	switch method {
	case opSize:
		var a sizeArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := fromWire(a.Path)
		if err != nil {
			return nil, err
		}
		size, err := d.Impl.Size(fp)
		if err != nil {
			return nil, err
		}
		return rpc.Marshal(&sizeReply{Size: size})
	case opRead:
		var a readArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := fromWire(a.Path)
		if err != nil {
			return nil, err
		}
		data, err := d.Impl.Read(fp, a.Offset, int(a.Length))
		if err != nil {
			return nil, err
		}
		return rpc.Marshal(&readReply{Data: data})
	case opWrite:
		var a writeArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := fromWire(a.Path)
		if err != nil {
			return nil, err
		}
		if err := d.Impl.Write(fp, a.Offset, a.Data); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, errors.E(method, errors.RemoteError, errors.Str("unknown method"))
	}
}

// CommandDispatcher serves a CommandOp implementation.
type CommandDispatcher struct {
	Impl CommandOp
}

var _ rpc.Dispatcher = CommandDispatcher{}

func (d CommandDispatcher) Dispatch(method string, raw []byte) ([]byte, error) {
	switch method {
	case cmdCreate:
		var a createArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := fromWire(a.Path)
		if err != nil {
			return nil, err
		}
		created, err := d.Impl.Create(fp)
		if err != nil {
			return nil, err
		}
		return rpc.Marshal(&createReply{Created: created})
	case cmdDelete:
		var a deleteArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := fromWire(a.Path)
		if err != nil {
			return nil, err
		}
		if err := d.Impl.Delete(fp); err != nil {
			return nil, err
		}
		return nil, nil
	case cmdCopy:
		var a copyArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := fromWire(a.Path)
		if err != nil {
			return nil, err
		}
		src := rpc.Proxy{Interface: "StorageOp", Addr: a.Source}
		if err := d.Impl.Copy(fp, src); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, errors.E(method, errors.RemoteError, errors.Str("unknown method"))
	}
}
