// Node is an example application wiring the p2pnode library to a SOCKS-free
// chat-over-data-channel demo: connect to a Broker, optionally accept
// inbound connections, optionally dial a remote node, and relay stdin
// lines over the "chat" channel (spec.md §8 scenario 1, "two-party direct
// connect and echo").
//
// Grounded on the teacher's client/snowflake.go main(): the same flag-driven
// bring-up, SIGTERM-driven shutdown, and scrubbed logging, re-pointed at the
// library's public surface instead of goptlib/Tor plumbing.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/p2pnode/node/broker"
	"github.com/p2pnode/node/internal/runtimecaps"
	"github.com/p2pnode/node/internal/safelog"
	"github.com/p2pnode/node/node"
	"github.com/p2pnode/node/peer"
	"github.com/p2pnode/node/store"
	"github.com/p2pnode/node/webrtcengine"
	"github.com/p2pnode/node/wsbroker"
)

func main() {
	var nodeID string
	var brokerURL string
	var connectTo string
	var allowIncoming bool
	var unsafeLogging bool
	var authToken string

	flag.StringVar(&nodeID, "id", "", "this node's ID, announced to the broker")
	flag.StringVar(&brokerURL, "broker-url", "", "websocket URL of the signaling broker")
	flag.StringVar(&connectTo, "connect-to", "", "remote node ID to dial on startup")
	flag.BoolVar(&allowIncoming, "allow-incoming", true, "accept inbound connection attempts")
	flag.BoolVar(&unsafeLogging, "unsafe-logging", false, "prevent logs from being scrubbed")
	flag.StringVar(&authToken, "auth-token", "", "optional credential sent as the handshake's data= parameter")
	flag.Parse()

	if nodeID == "" || brokerURL == "" {
		fmt.Fprintln(os.Stderr, "usage: node -id=<nodeID> -broker-url=<wsURL> [-connect-to=<remoteID>]")
		os.Exit(2)
	}

	log.SetFlags(log.LstdFlags | log.LUTC)
	if unsafeLogging {
		log.SetOutput(os.Stderr)
	} else {
		log.SetOutput(&safelog.LogScrubber{Output: os.Stderr})
	}

	executor := runtimecaps.NewExecutor(log.Default())
	defer executor.Close()

	caps := store.Capabilities{
		SocketFactory: wsbroker.NewFactory(),
		WebRTCFactory: webrtcengine.New(log.Default()),
		UUID:          runtimecaps.UUIDGenerator{},
		Clock:         runtimecaps.Clock{},
		Timers:        runtimecaps.TimerFactory{},
		Sleeper:       runtimecaps.Sleeper{},
		Executor:      executor,
		Sync:          &runtimecaps.Synchronizer{},
	}

	identity := store.LocalIdentity{NodeID: nodeID, Platform: "linux", Version: "0.1.0"}

	n, err := node.New(identity, caps, broker.DefaultSettings(), peer.DefaultSettings(), log.Default())
	if err != nil {
		log.Fatalf("constructing node: %v", err)
	}

	if allowIncoming {
		n.AllowIncomingConnections(store.IncomingPolicy{
			Allowed: true,
			Accept:  func(remoteNodeID, platformFrom, versionFrom string) bool { return true },
			OnNew:   func(remoteNodeID string) { log.Printf("incoming connection attempt from %s", remoteNodeID) },
			Callbacks: store.PeerCallbacks{
				OnConnected:    func() { log.Println("peer connected") },
				OnDisconnected: func() { log.Println("peer disconnected") },
				OnMessage:      onChatMessage,
			},
		})
	}

	log.Printf("connecting to broker %s as %s", brokerURL, nodeID)
	if brokerErr := n.ConnectToBroker(store.BrokerEndpoint{Address: brokerURL, AuthData: authToken}, broker.LifecycleCallbacks{
		OnBrokerReconnecting: func(attempt uint32) { log.Printf("broker reconnecting, attempt %d", attempt) },
		OnBrokerDisconnected: func() { log.Println("broker disconnected") },
	}, 10*time.Second); brokerErr != store.BrokerErrNone {
		log.Fatalf("connecting to broker: %v", brokerErr)
	}
	log.Println("authenticated with broker")

	if connectTo != "" {
		go func() {
			log.Printf("connecting to %s", connectTo)
			reason := n.ConnectToNode(connectTo, store.PeerCallbacks{
				OnConnected:    func() { log.Printf("connected to %s", connectTo) },
				OnDisconnected: func() { log.Printf("disconnected from %s", connectTo) },
				OnMessage:      onChatMessage,
			}, 30*time.Second)
			if reason != store.FailureNone {
				log.Printf("failed to connect to %s: %v", connectTo, reason)
				return
			}
			go chatSendLoop(n, connectTo)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	n.Shutdown()
	log.Println("node is done.")
}

func onChatMessage(channel string, data []byte) {
	log.Printf("[%s] %s", channel, string(data))
}

func chatSendLoop(n *node.Node, remoteID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := n.Send(remoteID, "chat", []byte(line)); err != nil {
			log.Printf("send error: %v", err)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		log.Printf("stdin read error: %v", err)
	}
}
