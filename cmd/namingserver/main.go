// Command namingserver runs the naming server: the single process
// that owns the directory tree (§3, §4.2) and exposes it to clients
// through Service and to storage servers through Registration (§4.3,
// §4.4).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/branchfs/branchfs/config"
	"github.com/branchfs/branchfs/log"
	"github.com/branchfs/branchfs/naming"
	"github.com/branchfs/branchfs/shutdown"
	"github.com/branchfs/branchfs/version"
)

var (
	configFile  = flag.String("config", "", "path to a naming server config file (optional)")
	serviceAddr = flag.String("service_addr", "", "override the Service listen address")
	registerAddr = flag.String("register_addr", "", "override the Registration listen address")
	showVersion = flag.Bool("version", false, "print build version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Print(version.Version())
		return
	}

	cfg, err := config.LoadNaming(*configFile)
	if err != nil {
		log.Error("failed to load configuration", log.Fields{"error": err})
		os.Exit(1)
	}
	if *serviceAddr != "" {
		cfg.ServiceAddr = *serviceAddr
	}
	if *registerAddr != "" {
		cfg.RegisterAddr = *registerAddr
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

	srv := naming.NewServer(cfg.ServiceAddr, cfg.RegisterAddr)
	srv.Tree.ReplicationThreshold = cfg.ReplicationThreshold
	shutdown.HandleListener(srv)

	if err := srv.Start(); err != nil {
		log.Error("naming server failed to start", log.Fields{"error": err})
		shutdown.Now(1)
	}

	log.Info("naming server running", log.Fields{
		"service": cfg.ServiceAddr, "register": cfg.RegisterAddr,
	})
	select {}
}
