package storage

import (
	"testing"

	"github.com/branchfs/branchfs/path"
	"github.com/branchfs/branchfs/rpc"
)

func mustPath(t *testing.T, s string) path.Path {
	t.Helper()
	p, err := path.Parse(s)
	if err != nil {
		t.Fatalf("path.Parse(%q): %v", s, err)
	}
	return p
}

func startOpAndCommand(t *testing.T, store *MemStore) (opAddr, cmdAddr string, stop func()) {
	t.Helper()
	opL := rpc.NewListener("tcp", "127.0.0.1:0", OpDispatcher{Impl: store})
	if err := opL.Start(); err != nil {
		t.Fatalf("op listener start: %v", err)
	}
	cmdL := rpc.NewListener("tcp", "127.0.0.1:0", CommandDispatcher{Impl: store})
	if err := cmdL.Start(); err != nil {
		t.Fatalf("command listener start: %v", err)
	}
	return opL.Addr().String(), cmdL.Addr().String(), func() {
		opL.Stop()
		cmdL.Stop()
	}
}

func TestStorageOpOverRPC(t *testing.T) {
	store := NewMemStore()
	opAddr, cmdAddr, stop := startOpAndCommand(t, store)
	defer stop()

	p := mustPath(t, "/a/b.txt")
	cmd := NewCommandProxy(cmdAddr)
	created, err := cmd.Create(p)
	if err != nil || !created {
		t.Fatalf("Create: created=%v err=%v", created, err)
	}

	op := NewOpProxy(opAddr)
	if err := op.Write(p, 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	size, err := op.Size(p)
	if err != nil || size != 5 {
		t.Fatalf("Size: size=%d err=%v", size, err)
	}
	data, err := op.Read(p, 1, 3)
	if err != nil || string(data) != "ell" {
		t.Fatalf("Read: data=%q err=%v", data, err)
	}

	if err := cmd.Delete(p); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := op.Size(p); err == nil {
		t.Fatalf("expected error reading deleted file")
	}
}

func TestCommandOpCopy(t *testing.T) {
	src := NewMemStore()
	srcOpAddr, _, stopSrc := startOpAndCommand(t, src)
	defer stopSrc()

	p := mustPath(t, "/x")
	src.Seed(p, []byte("replicated content"))

	dst := NewMemStore()
	_, dstCmdAddr, stopDst := startOpAndCommand(t, dst)
	defer stopDst()

	cmd := NewCommandProxy(dstCmdAddr)
	source := rpc.Proxy{Interface: "StorageOp", Addr: srcOpAddr}
	if err := cmd.Copy(p, source); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	got, err := dst.Read(p, 0, len("replicated content"))
	if err != nil {
		t.Fatalf("Read after copy: %v", err)
	}
	if string(got) != "replicated content" {
		t.Errorf("got %q", got)
	}
}
