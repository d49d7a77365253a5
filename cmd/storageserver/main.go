// Command storageserver runs a storage server: a process exposing
// StorageOp to clients and CommandOp to the naming server over the
// files it holds (§4.4). Local file I/O is out of scope for this
// module (§1); the server holds its files in memory, which is enough
// to exercise the full registration, replication, and command
// protocol against a real naming server.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/branchfs/branchfs/config"
	"github.com/branchfs/branchfs/errors"
	"github.com/branchfs/branchfs/log"
	"github.com/branchfs/branchfs/naming"
	"github.com/branchfs/branchfs/path"
	"github.com/branchfs/branchfs/rpc"
	"github.com/branchfs/branchfs/shutdown"
	"github.com/branchfs/branchfs/storage"
	"github.com/branchfs/branchfs/version"
)

type seedFlag []string

func (s *seedFlag) String() string { return strings.Join(*s, ",") }
func (s *seedFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

var (
	configFile  = flag.String("config", "", "path to a storage server config file (optional)")
	opAddr      = flag.String("op_addr", "", "override the StorageOp listen address")
	commandAddr = flag.String("command_addr", "", "override the CommandOp listen address")
	namingAddr  = flag.String("naming_register_addr", "", "override the naming server's Registration address")
	showVersion = flag.Bool("version", false, "print build version and exit")
	seeds       seedFlag
)

func init() {
	flag.Var(&seeds, "seed", "an absolute path to pre-populate with empty content before registering (repeatable)")
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Print(version.Version())
		return
	}

	cfg, err := config.LoadStorage(*configFile)
	if err != nil {
		log.Error("failed to load configuration", log.Fields{"error": err})
		os.Exit(1)
	}
	if *opAddr != "" {
		cfg.OpAddr = *opAddr
	}
	if *commandAddr != "" {
		cfg.CommandAddr = *commandAddr
	}
	if *namingAddr != "" {
		cfg.NamingRegisterAddr = *namingAddr
	}
	switch cfg.LogLevel {
	case "debug":
		log.SetLevel(log.Ldebug)
	case "error":
		log.SetLevel(log.Lerror)
	case "disabled":
		log.SetLevel(log.Ldisabled)
	default:
		log.SetLevel(log.Linfo)
	}

	store := storage.NewMemStore()
	for _, s := range seeds {
		p, err := path.Parse(s)
		if err != nil {
			log.Error("invalid -seed path, skipping", log.Fields{"path": s, "error": err})
			continue
		}
		store.Seed(p, nil)
	}

	// Bind both sockets without serving yet: the naming server needs
	// their real addresses for registration, and registration's
	// duplicate-path cleanup must finish before any client can read or
	// write a file that is about to be deleted out from under it
	// (§4.4).
	opLn := rpc.NewListener("tcp", cfg.OpAddr, storage.OpDispatcher{Impl: store})
	if err := opLn.Bind(); err != nil {
		log.Error("StorageOp listener failed to bind", log.Fields{"error": err})
		os.Exit(1)
	}
	cmdLn := rpc.NewListener("tcp", cfg.CommandAddr, storage.CommandDispatcher{Impl: store})
	if err := cmdLn.Bind(); err != nil {
		log.Error("CommandOp listener failed to bind", log.Fields{"error": err})
		os.Exit(1)
	}

	self := storage.Ref{
		Storage: rpc.Proxy{Interface: "StorageOp", Addr: opLn.Addr().String()},
		Command: rpc.Proxy{Interface: "CommandOp", Addr: cmdLn.Addr().String()},
	}

	reg := naming.NewRegistrationProxy(cfg.NamingRegisterAddr)
	type regResult struct {
		dups []path.Path
		err  error
	}
	regDone := make(chan regResult, 1)
	go func() {
		d, e := reg.Register(self, store.Paths())
		regDone <- regResult{d, e}
	}()
	var dups []path.Path
	select {
	case res := <-regDone:
		dups, err = res.dups, res.err
	case <-time.After(cfg.RegisterTimeout):
		err = errors.E("storageserver.register", errors.RemoteError, errors.Str("registration timed out"))
	}
	if err != nil {
		log.Error("registration with naming server failed", log.Fields{"error": err})
		shutdown.Now(1)
	}
	for _, p := range dups {
		if err := store.Delete(p); err != nil {
			log.Error("failed to delete redundant local copy after registration", log.Fields{
				"path": p.String(), "error": err,
			})
		}
	}

	// Only now, with registration and local cleanup done, start
	// accepting client and naming-server connections.
	if err := opLn.Serve(); err != nil {
		log.Error("StorageOp listener failed to serve", log.Fields{"error": err})
		os.Exit(1)
	}
	if err := cmdLn.Serve(); err != nil {
		log.Error("CommandOp listener failed to serve", log.Fields{"error": err})
		os.Exit(1)
	}
	shutdown.HandleListener(opLn)
	shutdown.HandleListener(cmdLn)

	log.Info("storage server running", log.Fields{
		"op": cfg.OpAddr, "command": cfg.CommandAddr, "naming": cfg.NamingRegisterAddr,
	})
	select {}
}
