// Package rpc implements the transport substrate shared by every
// remote interface in this module (§4.1): a Listener that exposes a
// dispatcher object on a TCP endpoint, and the Call helper a typed
// Proxy uses to invoke it. One call per connection; arguments
// and return values are encoded with XDR (github.com/rasky/go-xdr).
//
// The substrate intentionally has no notion of "the" remote
// interface: per §9's design note, each concrete remote interface
// (naming.Service, naming.Registration, storage.StorageOp,
// storage.CommandOp) supplies its own generated-by-hand Proxy type
// and Dispatcher, instead of this package doing runtime interface
// introspection. Dispatch and Call below are the only moving parts
// those generated types need.
package rpc

import (
	"bytes"
	"net"
	"sync"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/branchfs/branchfs/errors"
	"github.com/branchfs/branchfs/log"
)

// status tags the reply frame (§4.1's wire framing).
type status byte

const (
	statusOK    status = 0
	statusError status = 1
)

// callFrame is exactly what a caller writes to the connection: a
// method identifier and the already-XDR-encoded argument tuple for
// that method. The method name doubles as the parameter-type
// descriptor required by §4.1 — each remote interface registers at
// most one argument shape per method name, so the name alone
// disambiguates.
type callFrame struct {
	Method string
	Args   []byte
}

// replyFrame is exactly what the listener writes back.
type replyFrame struct {
	Status  byte
	Payload []byte
}

// Dispatcher is implemented by a generated server-side dispatch table
// for one remote interface. Dispatch decodes args itself (it knows
// the concrete Args type for method), invokes the underlying
// implementation, and returns the XDR-encoded reply.
type Dispatcher interface {
	// Dispatch invokes method with the raw XDR-encoded argument tuple
	// args and returns the XDR-encoded reply. A non-nil error is
	// always either an *errors.Error (a logical failure, round-tripped
	// to the caller as the same Kind) or wrapped as one with
	// errors.RemoteError by the listener before it reaches the wire.
	Dispatch(method string, args []byte) (reply []byte, err error)
}

// Marshal XDR-encodes v.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, errors.E("rpc.Marshal", errors.RemoteError, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes b into v, which must be a pointer.
func Unmarshal(b []byte, v interface{}) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(b), v); err != nil {
		return errors.E("rpc.Unmarshal", errors.RemoteError, err)
	}
	return nil
}

// StoppedFunc is the hook a serving Listener invokes when its accept
// loop ends, whether by a call to Stop or because the listening
// socket failed. cause is nil for a clean, requested stop (§9's design note:
// modeled as an injectable callback, not a subclassing hook).
type StoppedFunc func(cause error)

// Listener exposes a Dispatcher on a TCP address (§4.1).
type Listener struct {
	network string
	addr    string
	d       Dispatcher
	onStop  StoppedFunc

	mu      sync.Mutex
	ln      net.Listener
	running bool
	serving bool
	wg      sync.WaitGroup
}

// NewListener creates a Listener that will serve d once started. addr
// may be empty (or end in ":0") to request a system-chosen port.
func NewListener(network, addr string, d Dispatcher) *Listener {
	return &Listener{network: network, addr: addr, d: d}
}

// OnStopped registers the hook invoked when the listener stops.
func (l *Listener) OnStopped(fn StoppedFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStop = fn
}

// Bind opens the listening socket without accepting connections yet.
// It lets a caller learn Addr() — and, for a storage server,
// announce that address during naming-server registration — before
// Serve exposes the listener to real traffic. A second call to Bind
// while already bound is a StateError.
func (l *Listener) Bind() error {
	const op = "rpc.Listener.Bind"
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return errors.E(op, errors.StateError, errors.Str("listener already bound"))
	}
	ln, err := net.Listen(l.network, l.addr)
	if err != nil {
		return errors.E(op, errors.RemoteError, err)
	}
	l.ln = ln
	l.running = true
	return nil
}

// Serve begins accepting connections on an already-bound socket, in a
// dedicated goroutine spawning one goroutine per accepted connection
// (§4.1, §5). Bind must be called first; a second call to Serve is a
// StateError.
func (l *Listener) Serve() error {
	const op = "rpc.Listener.Serve"
	l.mu.Lock()
	if l.ln == nil {
		l.mu.Unlock()
		return errors.E(op, errors.StateError, errors.Str("listener not bound"))
	}
	if l.serving {
		l.mu.Unlock()
		return errors.E(op, errors.StateError, errors.Str("listener already serving"))
	}
	l.serving = true
	l.mu.Unlock()

	go l.acceptLoop()
	return nil
}

// Start binds the listening socket and immediately begins serving.
// Start does not return until the socket is bound, so callers may
// call Addr immediately afterward. Use Bind and Serve separately when
// the socket's address must be used — e.g. announced to another
// server — before traffic is accepted.
func (l *Listener) Start() error {
	if err := l.Bind(); err != nil {
		return err
	}
	return l.Serve()
}

// Addr returns the address the listener is bound to. It is only
// valid after Bind (or Start, which calls Bind) has returned
// successfully.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) acceptLoop() {
	var stopErr error
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			stopping := !l.running
			l.mu.Unlock()
			if !stopping {
				stopErr = errors.E("rpc.Listener.accept", errors.RemoteError, err)
				log.Error("listener accept failed", log.Fields{"addr": l.addr, "error": err})
			}
			break
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serve(conn)
		}()
	}
	l.mu.Lock()
	hook := l.onStop
	l.mu.Unlock()
	if hook != nil {
		hook(stopErr)
	}
}

func (l *Listener) serve(conn net.Conn) {
	defer conn.Close()

	var cf callFrame
	if _, err := xdr.Unmarshal(conn, &cf); err != nil {
		log.Error("failed to read call frame", log.Fields{"error": err})
		return
	}

	replyPayload, err := l.d.Dispatch(cf.Method, cf.Args)
	rf := replyFrame{Status: byte(statusOK), Payload: replyPayload}
	if err != nil {
		rf.Status = byte(statusError)
		e, ok := err.(*errors.Error)
		if !ok {
			e = &errors.Error{Op: cf.Method, Kind: errors.RemoteError, Err: err}
		}
		payload, mErr := e.MarshalBinary()
		if mErr != nil {
			log.Error("failed to marshal error reply", log.Fields{"error": mErr})
			return
		}
		rf.Payload = payload
	}
	if _, err := xdr.Marshal(conn, &rf); err != nil {
		log.Error("failed to write reply frame", log.Fields{"error": err})
	}
}

// Stop unblocks the listening goroutine; in-flight service goroutines
// may finish on their own. If Serve was called, the accept loop then
// exits and invokes the stopped(cause) hook with a nil cause.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	ln := l.ln
	l.mu.Unlock()
	ln.Close()
}

// Drain stops the listener and waits up to timeout for in-flight
// connections to finish on their own, instead of severing them
// outright. It reports whether every connection finished before
// timeout elapsed; on a false return, callers should log and proceed
// with shutdown rather than wait indefinitely.
func (l *Listener) Drain(timeout time.Duration) bool {
	l.Stop()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Call opens a connection to addr, sends method and the already
// XDR-encoded args, and decodes the reply into reply (which may be
// nil for methods with no return value beyond success/failure). Any
// transport failure becomes errors.RemoteError; a logical failure
// round-trips as the *errors.Error the server raised.
func Call(network, addr, method string, args []byte, reply interface{}) error {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return errors.E(method, errors.RemoteError, err)
	}
	defer conn.Close()

	cf := callFrame{Method: method, Args: args}
	if _, err := xdr.Marshal(conn, &cf); err != nil {
		return errors.E(method, errors.RemoteError, err)
	}

	var rf replyFrame
	if _, err := xdr.Unmarshal(conn, &rf); err != nil {
		return errors.E(method, errors.RemoteError, err)
	}
	if status(rf.Status) == statusError {
		e := &errors.Error{}
		if err := e.UnmarshalBinary(rf.Payload); err != nil {
			return errors.E(method, errors.RemoteError, err)
		}
		return e
	}
	if reply == nil {
		return nil
	}
	if _, err := xdr.Unmarshal(bytes.NewReader(rf.Payload), reply); err != nil {
		return errors.E(method, errors.RemoteError, err)
	}
	return nil
}

// Proxy is the common structural identity shared by every generated
// proxy type: the remote interface's name and the network address it
// talks to. Equality, hashing, and printing are handled here, locally
// — never on the wire (§4.1's proxy contract).
type Proxy struct {
	Interface string
	Addr      string
}

// String returns a printable form naming both the interface and the address.
func (p Proxy) String() string {
	return p.Interface + "@" + p.Addr
}

// Equal reports whether p and q are proxies to the same interface at
// the same address.
func (p Proxy) Equal(q Proxy) bool {
	return p.Interface == q.Interface && p.Addr == q.Addr
}

// HashCode returns a stable hash of p's identity, for use as a map
// key surrogate where a struct key is inconvenient.
func (p Proxy) HashCode() uint64 {
	h := uint64(1469598103934665603) // FNV-1a offset basis.
	for _, s := range [2]string{p.Interface, p.Addr} {
		for i := 0; i < len(s); i++ {
			h ^= uint64(s[i])
			h *= 1099511628211
		}
	}
	return h
}
