package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorilla/mux"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/logging"
	. "github.com/PelionIoT/gridcore/marshal"
	"github.com/PelionIoT/gridcore/metrics"
	. "github.com/PelionIoT/gridcore/node"
	. "github.com/PelionIoT/gridcore/shared"
	. "github.com/PelionIoT/gridcore/storage"
	. "github.com/PelionIoT/gridcore/transport"
)

func init() {
	registerCommand("start", startNode, startUsage)
}

var startUsage string = `Usage: gridcore start -conf=[config file]
`

func marshallerFor(config YAMLNodeConfig) (Marshaller, error) {
	if !config.Compress {
		return NewJSONMarshaller(), nil
	}

	return NewZstdMarshaller(NewJSONMarshaller())
}

func startNode() {
	var config YAMLNodeConfig

	if err := config.LoadFromFile(*optConfigFile); err != nil {
		fatalf("Unable to load config file: %s\n", err.Error())
	}

	cacheConfigs, err := config.CacheConfigurations()

	if err != nil {
		fatalf("Unable to load cache configurations: %s\n", err.Error())
	}

	marshaller, err := marshallerFor(config)

	if err != nil {
		fatalf("Unable to create marshaller: %s\n", err.Error())
	}

	localID := NodeID(config.ID)
	hub := NewHTTPHub(localID, marshaller, nil)
	members := []NodeID{localID}

	for _, peer := range config.Peers {
		hub.AddPeer(PeerAddress{NodeID: NodeID(peer.ID), Host: peer.Host, Port: peer.Port})
		members = append(members, NodeID(peer.ID))
	}

	store := NewLevelDBStateStore(config.DataDir, nil, marshaller)

	if err := store.Open(); err != nil {
		fatalf("Unable to open data directory %s: %s\n", config.DataDir, err.Error())
	}

	defer store.Close()

	node, err := NewNode(hub, store, cacheConfigs, config.SnapshotInterval)

	if err != nil {
		fatalf("Unable to create node: %s\n", err.Error())
	}

	router := mux.NewRouter()
	hub.Attach(router)
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	listener, err := net.Listen("tcp", net.JoinHostPort(config.Host, strconv.Itoa(config.Port)))

	if err != nil {
		fatalf("Unable to listen on port %d: %s\n", config.Port, err.Error())
	}

	server := &http.Server{Handler: router}
	serverErrors := make(chan error, 1)

	go func() {
		serverErrors <- server.Serve(listener)
	}()

	node.Start()

	// The configured peers form the first view. The membership service
	// replaces it through the membership endpoint.
	hub.SetView(MembershipView{ID: 1, Members: members})

	Log.Infof("Node %s listening on port %d serving caches %v", localID, config.Port, node.CacheNames())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		Log.Infof("Node %s received %v, shutting down", localID, sig)
	case err := <-serverErrors:
		Log.Errorf("Node %s HTTP server stopped: %v", localID, err)
	}

	node.Stop()
	server.Close()

	fmt.Fprintf(os.Stderr, "Node %s stopped\n", localID)
}
