package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/gavel/config"
	"github.com/thinkermao/gavel/machine"
	"github.com/thinkermao/gavel/raft"
	"github.com/thinkermao/gavel/raft/proto"
	"github.com/thinkermao/gavel/router"
	"github.com/thinkermao/gavel/transport"
)

func main() {
	configPath := flag.String("config", "gavel.yaml", "path to the node configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.Node.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	var backend machine.StateMachine
	var store *machine.Store
	if cfg.Backend.Disabled {
		backend = machine.Disabled{}
	} else {
		store = machine.NewStore()
		backend = store
	}

	var node *raft.Node
	peers := transport.New(cfg.Node.ID, cfg.Node.ProtocolAddress, cfg.PeerAddresses(),
		func(from uint64, msg raftpd.Message) {
			if node != nil {
				node.Deliver(from, msg)
			}
		})
	if err := peers.Start(); err != nil {
		log.Fatalf("start transport: %v", err)
	}

	var api *router.Server

	node, err = raft.NewNode(cfg.CoreConfig(), raft.Options{
		Machine:   backend,
		Transport: peers,
		WalDir:    cfg.Node.DataDir,
		Listener: listenerFunc(func(leader uint64) {
			if api != nil {
				api.LeadershipChanged(leader)
			}
		}),
	})
	if err != nil {
		log.Fatalf("start node: %v", err)
	}

	api = router.New(node, store)

	httpServer := &http.Server{
		Addr:    cfg.Node.RouterAddress,
		Handler: api.Handler(),
	}
	go func() {
		log.Infof("%d router listener on %s", cfg.Node.ID, cfg.Node.RouterAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("router: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infof("%d shutting down", cfg.Node.ID)
	_ = httpServer.Close()
	node.Stop()
}

type listenerFunc func(leader uint64)

func (f listenerFunc) LeadershipChanged(leader uint64) { f(leader) }
