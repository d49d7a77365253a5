package rpc

import (
	"strings"
	"testing"

	"github.com/branchfs/branchfs/errors"
)

// echoArgs/echoReply exercise the substrate end to end without
// pulling in any higher-level remote interface.
type echoArgs struct {
	Msg string
}

type echoReply struct {
	Msg string
}

type echoDispatcher struct {
	fail bool
}

func (d *echoDispatcher) Dispatch(method string, args []byte) ([]byte, error) {
	if method != "Echo" {
		return nil, errors.E(method, errors.RemoteError, errors.Str("unknown method"))
	}
	var a echoArgs
	if err := Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if d.fail {
		return nil, errors.E("Echo", errors.ArgumentInvalid, errors.Str("refused"))
	}
	return Marshal(&echoReply{Msg: "echo:" + a.Msg})
}

func startEcho(t *testing.T, fail bool) (*Listener, func()) {
	t.Helper()
	l := NewListener("tcp", "127.0.0.1:0", &echoDispatcher{fail: fail})
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return l, l.Stop
}

func TestCallRoundTrip(t *testing.T) {
	l, stop := startEcho(t, false)
	defer stop()

	argBytes, err := Marshal(&echoArgs{Msg: "hi"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var reply echoReply
	if err := Call("tcp", l.Addr().String(), "Echo", argBytes, &reply); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Msg != "echo:hi" {
		t.Errorf("got %q want %q", reply.Msg, "echo:hi")
	}
}

func TestCallLogicalErrorRoundTrips(t *testing.T) {
	l, stop := startEcho(t, true)
	defer stop()

	argBytes, _ := Marshal(&echoArgs{Msg: "hi"})
	var reply echoReply
	err := Call("tcp", l.Addr().String(), "Echo", argBytes, &reply)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.KindOf(err) != errors.ArgumentInvalid {
		t.Errorf("KindOf: got %v want %v", errors.KindOf(err), errors.ArgumentInvalid)
	}
}

func TestCallUnreachableIsRemoteError(t *testing.T) {
	var reply echoReply
	err := Call("tcp", "127.0.0.1:1", "Echo", nil, &reply)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.KindOf(err) != errors.RemoteError {
		t.Errorf("KindOf: got %v want %v", errors.KindOf(err), errors.RemoteError)
	}
}

// TestProxyIdentity is scenario E6: two proxies to the same interface
// at the same address are equal, hash equally, and print both the
// interface name and the address.
func TestProxyIdentity(t *testing.T) {
	p1 := Proxy{Interface: "StorageOp", Addr: "127.0.0.1:9999"}
	p2 := Proxy{Interface: "StorageOp", Addr: "127.0.0.1:9999"}

	if !p1.Equal(p2) {
		t.Errorf("expected p1.Equal(p2)")
	}
	if p1.HashCode() != p2.HashCode() {
		t.Errorf("expected equal hash codes")
	}
	s := p1.String()
	if !strings.Contains(s, "StorageOp") || !strings.Contains(s, "127.0.0.1:9999") {
		t.Errorf("String() = %q, want it to mention both interface and address", s)
	}
}
