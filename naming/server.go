package naming

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/branchfs/branchfs/errors"
	"github.com/branchfs/branchfs/log"
	"github.com/branchfs/branchfs/path"
	"github.com/branchfs/branchfs/rpc"
	"github.com/branchfs/branchfs/storage"
)

// Service is the façade clients talk to (§4.3's client-facing
// operation table): locking, directory queries, creation, deletion,
// and replica resolution, all routed through the shared Tree.
type Service struct {
	tree *Tree
	rand *rand.Rand
}

// Registration is the façade storage servers talk to on startup
// (§4.4): a single Register call per storage server.
type Registration struct {
	tree *Tree
}

// NewService returns a Service backed by tree.
func NewService(tree *Tree) *Service { return &Service{tree: tree, rand: rand.New(rand.NewSource(1))} }

// NewRegistration returns a Registration backed by tree.
func NewRegistration(tree *Tree) *Registration { return &Registration{tree: tree} }

func (s *Service) Lock(p path.Path, exclusive bool) error {
	return s.tree.Lock(p, exclusive)
}

func (s *Service) Unlock(p path.Path, exclusive bool) error {
	return s.tree.Unlock(p, exclusive)
}

// IsDirectory reports whether p names a directory. The caller must
// already hold a lock on p; spec.md's Service table lists this
// operation's own required lock as none beyond what the caller
// already took for the surrounding file-system call.
func (s *Service) IsDirectory(p path.Path) (bool, error) {
	return s.tree.IsDirectory(p)
}

// List returns the sorted names of d's children. The caller must
// already hold a shared lock on d.
func (s *Service) List(d path.Path) ([]string, error) {
	return s.tree.List(d)
}

// CreateFile creates a new, empty file at p, choosing a storage
// server uniformly at random from the registered set (§4.3). The
// caller must hold an exclusive lock on p.Parent(). On success it
// issues CommandOp.Create to the chosen server; on that server's
// failure the tree entry is rolled back.
func (s *Service) CreateFile(p path.Path) (bool, error) {
	const op = "naming.Service.CreateFile"
	if p.IsRoot() {
		return false, errors.E(op, errors.ArgumentInvalid, errors.Str("cannot create root"))
	}
	refs := s.tree.Refs()
	if len(refs) == 0 {
		return false, errors.E(op, p.String(), errors.NotFound, errors.Str("no storage servers registered"))
	}
	chosen := refs[s.rand.Intn(len(refs))]

	created, err := s.tree.CreateFile(p, chosen)
	if err != nil {
		return false, errors.E(op, err)
	}
	if !created {
		return false, nil
	}

	cmd := storage.NewCommandProxy(chosen.Command.Addr)
	if _, err := cmd.Create(p); err != nil {
		s.tree.RemoveChild(p)
		log.Error("storage-side create failed, rolled back", log.Fields{
			"path": p.String(), "server": chosen.Command.Addr, "error": err,
		})
		return false, errors.E(op, p.String(), err)
	}
	return true, nil
}

// CreateDirectory creates a new directory at p. The caller must hold
// an exclusive lock on p.Parent().
func (s *Service) CreateDirectory(p path.Path) (bool, error) {
	const op = "naming.Service.CreateDirectory"
	if p.IsRoot() {
		return false, errors.E(op, errors.ArgumentInvalid, errors.Str("cannot create root"))
	}
	created, err := s.tree.CreateDirectory(p)
	if err != nil {
		return false, errors.E(op, err)
	}
	return created, nil
}

// Delete removes the subtree at p, refusing the root. The caller must
// hold an exclusive lock on p.Parent().
func (s *Service) Delete(p path.Path) (bool, error) {
	const op = "naming.Service.Delete"
	ok, err := s.tree.Delete(p)
	if err != nil {
		return false, errors.E(op, err)
	}
	return ok, nil
}

// GetStorage returns a replica of p for the client to contact
// directly. The caller must already hold a shared lock on p.
func (s *Service) GetStorage(p path.Path) (storage.Ref, error) {
	return s.tree.GetStorage(p)
}

// Register implements the storage-server startup handshake (§4.4):
// record client as a new StorageRef and create tree entries for each
// of files, returning the subset that already existed so the caller
// can delete its own redundant local copies.
func (r *Registration) Register(client storage.Ref, files []path.Path) ([]path.Path, error) {
	const op = "naming.Registration.Register"
	dups, err := r.tree.RegisterFiles(client, files)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return dups, nil
}

// --- RPC wiring -------------------------------------------------------

// wire argument/reply shapes for Service and Registration, one per
// method, following the same per-method typing as package storage.

type lockArgs struct {
	Path      []string
	Exclusive bool
}

type isDirArgs struct{ Path []string }
type isDirReply struct{ IsDirectory bool }

type listArgs struct{ Path []string }
type listReply struct{ Names []string }

type createArgs struct{ Path []string }
type createReply struct{ Created bool }

type deleteArgs struct{ Path []string }
type deleteReply struct{ Deleted bool }

type getStorageArgs struct{ Path []string }
type getStorageReply struct {
	StorageAddr string
	CommandAddr string
}

type registerArgs struct {
	StorageAddr string
	CommandAddr string
	Paths       [][]string
}
type registerReply struct{ Duplicates [][]string }

func pathToWire(p path.Path) []string { return p.Elems() }

func pathFromWire(elems []string) (path.Path, error) { return path.New(elems...) }

func refToWire(r storage.Ref) (string, string) { return r.Storage.Addr, r.Command.Addr }

func refFromWire(storageAddr, commandAddr string) storage.Ref {
	return storage.Ref{
		Storage: rpc.Proxy{Interface: "StorageOp", Addr: storageAddr},
		Command: rpc.Proxy{Interface: "CommandOp", Addr: commandAddr},
	}
}

const (
	svcLock            = "Service.Lock"
	svcUnlock          = "Service.Unlock"
	svcIsDirectory     = "Service.IsDirectory"
	svcList            = "Service.List"
	svcCreateFile      = "Service.CreateFile"
	svcCreateDirectory = "Service.CreateDirectory"
	svcDelete          = "Service.Delete"
	svcGetStorage      = "Service.GetStorage"

	regRegister = "Registration.Register"
)

// ServiceProxy is the client-side Service proxy.
type ServiceProxy struct {
	rpc.Proxy
}

// NewServiceProxy returns a proxy to the Service served at addr.
func NewServiceProxy(addr string) ServiceProxy {
	return ServiceProxy{rpc.Proxy{Interface: "Service", Addr: addr}}
}

func (p ServiceProxy) Lock(fp path.Path, exclusive bool) error {
	args, err := rpc.Marshal(&lockArgs{Path: pathToWire(fp), Exclusive: exclusive})
	if err != nil {
		return err
	}
	return rpc.Call("tcp", p.Addr, svcLock, args, nil)
}

func (p ServiceProxy) Unlock(fp path.Path, exclusive bool) error {
	args, err := rpc.Marshal(&lockArgs{Path: pathToWire(fp), Exclusive: exclusive})
	if err != nil {
		return err
	}
	return rpc.Call("tcp", p.Addr, svcUnlock, args, nil)
}

func (p ServiceProxy) IsDirectory(fp path.Path) (bool, error) {
	args, err := rpc.Marshal(&isDirArgs{Path: pathToWire(fp)})
	if err != nil {
		return false, err
	}
	var reply isDirReply
	if err := rpc.Call("tcp", p.Addr, svcIsDirectory, args, &reply); err != nil {
		return false, err
	}
	return reply.IsDirectory, nil
}

func (p ServiceProxy) List(fp path.Path) ([]string, error) {
	args, err := rpc.Marshal(&listArgs{Path: pathToWire(fp)})
	if err != nil {
		return nil, err
	}
	var reply listReply
	if err := rpc.Call("tcp", p.Addr, svcList, args, &reply); err != nil {
		return nil, err
	}
	return reply.Names, nil
}

func (p ServiceProxy) CreateFile(fp path.Path) (bool, error) {
	args, err := rpc.Marshal(&createArgs{Path: pathToWire(fp)})
	if err != nil {
		return false, err
	}
	var reply createReply
	if err := rpc.Call("tcp", p.Addr, svcCreateFile, args, &reply); err != nil {
		return false, err
	}
	return reply.Created, nil
}

func (p ServiceProxy) CreateDirectory(fp path.Path) (bool, error) {
	args, err := rpc.Marshal(&createArgs{Path: pathToWire(fp)})
	if err != nil {
		return false, err
	}
	var reply createReply
	if err := rpc.Call("tcp", p.Addr, svcCreateDirectory, args, &reply); err != nil {
		return false, err
	}
	return reply.Created, nil
}

func (p ServiceProxy) Delete(fp path.Path) (bool, error) {
	args, err := rpc.Marshal(&deleteArgs{Path: pathToWire(fp)})
	if err != nil {
		return false, err
	}
	var reply deleteReply
	if err := rpc.Call("tcp", p.Addr, svcDelete, args, &reply); err != nil {
		return false, err
	}
	return reply.Deleted, nil
}

func (p ServiceProxy) GetStorage(fp path.Path) (storage.Ref, error) {
	args, err := rpc.Marshal(&getStorageArgs{Path: pathToWire(fp)})
	if err != nil {
		return storage.Ref{}, err
	}
	var reply getStorageReply
	if err := rpc.Call("tcp", p.Addr, svcGetStorage, args, &reply); err != nil {
		return storage.Ref{}, err
	}
	return refFromWire(reply.StorageAddr, reply.CommandAddr), nil
}

// RegistrationProxy is the storage-server-side Registration proxy.
type RegistrationProxy struct {
	rpc.Proxy
}

// NewRegistrationProxy returns a proxy to the Registration served at addr.
func NewRegistrationProxy(addr string) RegistrationProxy {
	return RegistrationProxy{rpc.Proxy{Interface: "Registration", Addr: addr}}
}

func (p RegistrationProxy) Register(client storage.Ref, files []path.Path) ([]path.Path, error) {
	storageAddr, commandAddr := refToWire(client)
	wirePaths := make([][]string, len(files))
	for i, f := range files {
		wirePaths[i] = pathToWire(f)
	}
	args, err := rpc.Marshal(&registerArgs{StorageAddr: storageAddr, CommandAddr: commandAddr, Paths: wirePaths})
	if err != nil {
		return nil, err
	}
	var reply registerReply
	if err := rpc.Call("tcp", p.Addr, regRegister, args, &reply); err != nil {
		return nil, err
	}
	out := make([]path.Path, 0, len(reply.Duplicates))
	for _, elems := range reply.Duplicates {
		fp, err := pathFromWire(elems)
		if err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, nil
}

// ServiceDispatcher serves a Service implementation.
type ServiceDispatcher struct {
	Impl *Service
}

var _ rpc.Dispatcher = ServiceDispatcher{}

func (d ServiceDispatcher) Dispatch(method string, raw []byte) ([]byte, error) {
	switch method {
	case svcLock:
		var a lockArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := pathFromWire(a.Path)
		if err != nil {
			return nil, err
		}
		if err := d.Impl.Lock(fp, a.Exclusive); err != nil {
			return nil, err
		}
		return nil, nil
	case svcUnlock:
		var a lockArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := pathFromWire(a.Path)
		if err != nil {
			return nil, err
		}
		if err := d.Impl.Unlock(fp, a.Exclusive); err != nil {
			return nil, err
		}
		return nil, nil
	case svcIsDirectory:
		var a isDirArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := pathFromWire(a.Path)
		if err != nil {
			return nil, err
		}
		isDir, err := d.Impl.IsDirectory(fp)
		if err != nil {
			return nil, err
		}
		return rpc.Marshal(&isDirReply{IsDirectory: isDir})
	case svcList:
		var a listArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := pathFromWire(a.Path)
		if err != nil {
			return nil, err
		}
		names, err := d.Impl.List(fp)
		if err != nil {
			return nil, err
		}
		return rpc.Marshal(&listReply{Names: names})
	case svcCreateFile:
		var a createArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := pathFromWire(a.Path)
		if err != nil {
			return nil, err
		}
		created, err := d.Impl.CreateFile(fp)
		if err != nil {
			return nil, err
		}
		return rpc.Marshal(&createReply{Created: created})
	case svcCreateDirectory:
		var a createArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := pathFromWire(a.Path)
		if err != nil {
			return nil, err
		}
		created, err := d.Impl.CreateDirectory(fp)
		if err != nil {
			return nil, err
		}
		return rpc.Marshal(&createReply{Created: created})
	case svcDelete:
		var a deleteArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := pathFromWire(a.Path)
		if err != nil {
			return nil, err
		}
		deleted, err := d.Impl.Delete(fp)
		if err != nil {
			return nil, err
		}
		return rpc.Marshal(&deleteReply{Deleted: deleted})
	case svcGetStorage:
		var a getStorageArgs
		if err := rpc.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		fp, err := pathFromWire(a.Path)
		if err != nil {
			return nil, err
		}
		ref, err := d.Impl.GetStorage(fp)
		if err != nil {
			return nil, err
		}
		storageAddr, commandAddr := refToWire(ref)
		return rpc.Marshal(&getStorageReply{StorageAddr: storageAddr, CommandAddr: commandAddr})
	default:
		return nil, errors.E(method, errors.RemoteError, errors.Str("unknown method"))
	}
}

// RegistrationDispatcher serves a Registration implementation.
type RegistrationDispatcher struct {
	Impl *Registration
}

var _ rpc.Dispatcher = RegistrationDispatcher{}

func (d RegistrationDispatcher) Dispatch(method string, raw []byte) ([]byte, error) {
	if method != regRegister {
		return nil, errors.E(method, errors.RemoteError, errors.Str("unknown method"))
	}
	var a registerArgs
	if err := rpc.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	client := refFromWire(a.StorageAddr, a.CommandAddr)
	files := make([]path.Path, len(a.Paths))
	for i, elems := range a.Paths {
		fp, err := pathFromWire(elems)
		if err != nil {
			return nil, err
		}
		files[i] = fp
	}
	dups, err := d.Impl.Register(client, files)
	if err != nil {
		return nil, err
	}
	wireDups := make([][]string, len(dups))
	for i, p := range dups {
		wireDups[i] = pathToWire(p)
	}
	return rpc.Marshal(&registerReply{Duplicates: wireDups})
}

// --- Server lifecycle --------------------------------------------------

// DefaultServicePort and DefaultRegistrationPort are the naming
// server's two well-known listening ports (§4.4): clients and storage
// servers talk to different ports so each side's interface can evolve
// independently, mirroring the two remote objects spec.md names.
const (
	DefaultServicePort      = 8080
	DefaultRegistrationPort = 8081
)

// Server owns both of the naming server's listeners and the Tree they
// share. Start and Stop are each meant to be called exactly once over
// the server's lifetime.
type Server struct {
	Tree         *Tree
	ServiceAddr  string
	RegisterAddr string

	mu        sync.Mutex
	started   bool
	serviceLn *rpc.Listener
	regLn     *rpc.Listener
}

// NewServer returns a Server with a fresh Tree, listening on addr
// pairs derived from serviceAddr/registerAddr (host:port strings, or
// empty to default to DefaultServicePort/DefaultRegistrationPort on
// all interfaces).
func NewServer(serviceAddr, registerAddr string) *Server {
	if serviceAddr == "" {
		serviceAddr = fmt.Sprintf(":%d", DefaultServicePort)
	}
	if registerAddr == "" {
		registerAddr = fmt.Sprintf(":%d", DefaultRegistrationPort)
	}
	return &Server{Tree: NewTree(), ServiceAddr: serviceAddr, RegisterAddr: registerAddr}
}

// Start binds both listeners concurrently (per SPEC_FULL.md's domain
// stack note on using errgroup for independent startup tasks) and
// returns once both are accepting connections, or the first error
// either encountered.
func (s *Server) Start() error {
	const op = "naming.Server.Start"
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.E(op, errors.StateError, errors.Str("server already started"))
	}
	s.started = true
	svc := NewService(s.Tree)
	reg := NewRegistration(s.Tree)
	s.serviceLn = rpc.NewListener("tcp", s.ServiceAddr, ServiceDispatcher{Impl: svc})
	s.regLn = rpc.NewListener("tcp", s.RegisterAddr, RegistrationDispatcher{Impl: reg})
	s.mu.Unlock()

	var g errgroup.Group
	g.Go(s.serviceLn.Start)
	g.Go(s.regLn.Start)
	if err := g.Wait(); err != nil {
		return errors.E(op, err)
	}
	log.Info("naming server started", log.Fields{
		"service": s.serviceLn.Addr().String(), "registration": s.regLn.Addr().String(),
	})
	return nil
}

// Stop closes both listening sockets so no new call is accepted.
// Calls already in flight are not interrupted, and Stop does not wait
// for them; Drain does.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serviceLn != nil {
		s.serviceLn.Stop()
	}
	if s.regLn != nil {
		s.regLn.Stop()
	}
}

// Drain stops both listeners and waits, concurrently, up to timeout
// for each one's in-flight calls to finish. It reports whether both
// drained cleanly within timeout, so shutdown.HandleListener can log
// a listener that didn't rather than hang on it.
func (s *Server) Drain(timeout time.Duration) bool {
	s.mu.Lock()
	serviceLn, regLn := s.serviceLn, s.regLn
	s.mu.Unlock()

	serviceOK, regOK := true, true
	var wg sync.WaitGroup
	if serviceLn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serviceOK = serviceLn.Drain(timeout)
		}()
	}
	if regLn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			regOK = regLn.Drain(timeout)
		}()
	}
	wg.Wait()
	return serviceOK && regOK
}
