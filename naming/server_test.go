package naming

import (
	"testing"

	"github.com/branchfs/branchfs/errors"
	"github.com/branchfs/branchfs/rpc"
	"github.com/branchfs/branchfs/storage"
)

func startServer(t *testing.T) (*Server, ServiceProxy, RegistrationProxy, func()) {
	t.Helper()
	srv := NewServer("127.0.0.1:0", "127.0.0.1:0")
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc := NewServiceProxy(srv.serviceLn.Addr().String())
	reg := NewRegistrationProxy(srv.regLn.Addr().String())
	return srv, svc, reg, srv.Stop
}

// TestEndToEndCreateReadDelete exercises scenario E1 through the real
// RPC listeners: a storage server registers, a client creates a file
// through Service, and the naming server hands back that server's
// storage reference.
func TestEndToEndCreateReadDelete(t *testing.T) {
	store := storage.NewMemStore()
	opAddr, cmdAddr, stopStore := startStorageListeners(t, store)
	defer stopStore()

	_, svc, reg, stop := startServer(t)
	defer stop()

	s1 := storage.Ref{
		Storage: storage.Endpoint{Interface: "StorageOp", Addr: opAddr},
		Command: storage.Endpoint{Interface: "CommandOp", Addr: cmdAddr},
	}
	dups, err := reg.Register(s1, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(dups) != 0 {
		t.Fatalf("expected no duplicates, got %v", dups)
	}

	root := mustPath(t, "/")
	if err := svc.Lock(root, true); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	created, err := svc.CreateFile(mustPath(t, "/x"))
	if err != nil || !created {
		t.Fatalf("CreateFile: created=%v err=%v", created, err)
	}
	if err := svc.Unlock(root, true); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	if err := svc.Lock(mustPath(t, "/x"), false); err != nil {
		t.Fatalf("Lock /x: %v", err)
	}
	ref, err := svc.GetStorage(mustPath(t, "/x"))
	if err != nil {
		t.Fatalf("GetStorage: %v", err)
	}
	if !ref.Equal(s1) {
		t.Errorf("GetStorage = %v, want %v", ref, s1)
	}
	if err := svc.Unlock(mustPath(t, "/x"), false); err != nil {
		t.Fatalf("Unlock /x: %v", err)
	}

	if err := svc.Lock(root, true); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	deleted, err := svc.Delete(mustPath(t, "/x"))
	if err != nil || !deleted {
		t.Fatalf("Delete: deleted=%v err=%v", deleted, err)
	}
	if err := svc.Unlock(root, true); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

// TestEndToEndListAndIsDirectory is scenario E5: directory listing and
// type queries through the Service façade.
func TestEndToEndListAndIsDirectory(t *testing.T) {
	store := storage.NewMemStore()
	opAddr, cmdAddr, stopStore := startStorageListeners(t, store)
	defer stopStore()

	_, svc, reg, stop := startServer(t)
	defer stop()

	s1 := storage.Ref{
		Storage: storage.Endpoint{Interface: "StorageOp", Addr: opAddr},
		Command: storage.Endpoint{Interface: "CommandOp", Addr: cmdAddr},
	}
	if _, err := reg.Register(s1, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	root := mustPath(t, "/")
	if err := svc.Lock(root, true); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if created, err := svc.CreateDirectory(mustPath(t, "/docs")); err != nil || !created {
		t.Fatalf("CreateDirectory: created=%v err=%v", created, err)
	}
	if err := svc.Unlock(root, true); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	if err := svc.Lock(mustPath(t, "/docs"), true); err != nil {
		t.Fatalf("Lock /docs: %v", err)
	}
	if created, err := svc.CreateFile(mustPath(t, "/docs/a")); err != nil || !created {
		t.Fatalf("CreateFile: created=%v err=%v", created, err)
	}
	if err := svc.Unlock(mustPath(t, "/docs"), true); err != nil {
		t.Fatalf("Unlock /docs: %v", err)
	}

	if err := svc.Lock(mustPath(t, "/docs"), false); err != nil {
		t.Fatalf("Lock /docs shared: %v", err)
	}
	isDir, err := svc.IsDirectory(mustPath(t, "/docs"))
	if err != nil || !isDir {
		t.Fatalf("IsDirectory(/docs): isDir=%v err=%v", isDir, err)
	}
	names, err := svc.List(mustPath(t, "/docs"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "a" {
		t.Fatalf("List(/docs) = %v, want [a]", names)
	}
	if err := svc.Unlock(mustPath(t, "/docs"), false); err != nil {
		t.Fatalf("Unlock /docs shared: %v", err)
	}
}

// TestRegisterAlreadyRegisteredOverRPC checks the AlreadyRegistered
// Kind round-trips over the wire intact.
func TestRegisterAlreadyRegisteredOverRPC(t *testing.T) {
	store := storage.NewMemStore()
	opAddr, cmdAddr, stopStore := startStorageListeners(t, store)
	defer stopStore()

	_, _, reg, stop := startServer(t)
	defer stop()

	s1 := storage.Ref{
		Storage: storage.Endpoint{Interface: "StorageOp", Addr: opAddr},
		Command: storage.Endpoint{Interface: "CommandOp", Addr: cmdAddr},
	}
	if _, err := reg.Register(s1, nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, err := reg.Register(s1, nil)
	if err == nil || errors.KindOf(err) != errors.AlreadyRegistered {
		t.Fatalf("expected AlreadyRegistered over RPC, got %v", err)
	}
}

func startStorageListeners(t *testing.T, store *storage.MemStore) (opAddr, cmdAddr string, stop func()) {
	t.Helper()
	opL := rpc.NewListener("tcp", "127.0.0.1:0", storage.OpDispatcher{Impl: store})
	if err := opL.Start(); err != nil {
		t.Fatalf("op listener start: %v", err)
	}
	cmdL := rpc.NewListener("tcp", "127.0.0.1:0", storage.CommandDispatcher{Impl: store})
	if err := cmdL.Start(); err != nil {
		t.Fatalf("command listener start: %v", err)
	}
	return opL.Addr().String(), cmdL.Addr().String(), func() {
		opL.Stop()
		cmdL.Stop()
	}
}
