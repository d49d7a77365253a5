// Package shutdown provides a mechanism for registering handlers to
// be run when the naming or storage server process is being shut
// down, with a bounded grace period before the process is killed
// forcibly. RPC listeners get special treatment: HandleListener waits
// for their in-flight calls to drain rather than severing connections
// out from under a client mid-request.
package shutdown

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/branchfs/branchfs/log"
)

// GracePeriod specifies the maximum amount of time during which all
// shutdown handlers must complete before the process forcibly exits,
// and the timeout a drainable listener gets to finish its in-flight
// calls before HandleListener gives up on it.
const GracePeriod = 30 * time.Second

// Drainable is satisfied by an rpc.Listener (and by naming.Server,
// which drains the two listeners it owns): something that can stop
// accepting new work and report whether its outstanding work finished
// before a deadline.
type Drainable interface {
	Stop()
	Drain(timeout time.Duration) bool
}

// Handle registers onShutdown to run when the process is shutting
// down. On shutdown, registered functions run in last-in-first-out
// order. Handle may be called concurrently.
func Handle(onShutdown func()) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.sequence = append(state.sequence, onShutdown)
}

// HandleListener registers a Drainable to be stopped on shutdown, in
// the same last-in-first-out order as plain handlers. Unlike a plain
// Handle(l.Stop), it gives l up to GracePeriod to finish whatever
// calls were already in flight before moving on, so a client mid-RPC
// isn't simply disconnected.
func HandleListener(l Drainable) {
	Handle(func() {
		if !l.Drain(GracePeriod) {
			log.Error("shutdown: listener did not drain within grace period", log.Fields{
				"grace_period": GracePeriod,
			})
		}
	})
}

// Now calls every registered handler in last-in-first-out order and
// terminates the process with code. It runs at most once and
// guarantees termination within GracePeriod even if a handler hangs.
func Now(code int) {
	state.once.Do(func() {
		log.Info("shutdown: initiating", log.Fields{"code": code})

		go func() {
			killSleep(GracePeriod)
			fmt.Fprintf(os.Stderr, "shutdown: %v elapsed since shutdown requested; exiting forcefully\n", GracePeriod)
			os.Exit(1)
		}()

		state.mu.Lock() // never unlocked: the process is about to exit.
		for i := len(state.sequence) - 1; i >= 0; i-- {
			state.sequence[i]()
		}
		os.Exit(code)
	})
}

// killSleep is a testing hook for GracePeriod's enforcement goroutine.
var killSleep = time.Sleep

var state struct {
	mu       sync.Mutex
	sequence []func()
	once     sync.Once
}

func init() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, os.Interrupt)
	go func() {
		sig := <-c
		log.Error("shutdown: received signal", log.Fields{"signal": sig.String()})
		Now(1)
	}()
}
