// Broker is the signaling server: it authenticates nodes over WebSocket
// and relays CONNECTION_ATTEMPT/CONNECTION_ACCEPTANCE/ICE/SOCKET_MSG_EXCHANGE
// frames between them by node ID (spec.md §6).
//
// Grounded on the teacher's broker/broker.go main(): the same flag set
// for ACME TLS, re-pointed at wsbroker's Hub instead of the HTTP
// offer/answer polling handlers, plus a /metrics endpoint generalizing
// the teacher's broker/metrics.go.
package main

import (
	"crypto/tls"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"golang.org/x/crypto/acme/autocert"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p2pnode/node/capability"
	"github.com/p2pnode/node/codec"
	"github.com/p2pnode/node/internal/safelog"
	"github.com/p2pnode/node/wsbroker"
)

func parseICEServers(commas string) []capability.ICEServer {
	if commas == "" {
		return nil
	}
	var servers []capability.ICEServer
	for _, url := range strings.Split(commas, ",") {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		servers = append(servers, capability.ICEServer{URLs: []string{url}})
	}
	return servers
}

func main() {
	var acmeEmail string
	var acmeHostnamesCommas string
	var addr string
	var disableTLS bool
	var iceServersCommas string
	var metricsAddr string
	var authToken string

	flag.StringVar(&acmeEmail, "acme-email", "", "optional contact email for Let's Encrypt notifications")
	flag.StringVar(&acmeHostnamesCommas, "acme-hostnames", "", "comma-separated hostnames for TLS certificate")
	flag.StringVar(&addr, "addr", ":443", "address to listen on")
	flag.BoolVar(&disableTLS, "disable-tls", false, "don't use HTTPS")
	flag.StringVar(&iceServersCommas, "ice-servers", "stun:stun.l.google.com:19302", "comma-separated STUN/TURN server URLs announced to nodes")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on; empty disables it")
	flag.StringVar(&authToken, "auth-token", "", "if set, nodes must present it as the handshake's data= parameter")
	flag.Parse()

	var logOutput io.Writer = os.Stderr
	log.SetOutput(&safelog.LogScrubber{Output: logOutput})
	log.SetFlags(log.LstdFlags | log.LUTC)

	rtcConfig, err := codec.EncodeRTCConfiguration(capability.RTCConfiguration{
		ICEServers: parseICEServers(iceServersCommas),
	})
	if err != nil {
		log.Fatalf("encoding rtc configuration: %v", err)
	}

	hub := wsbroker.NewHub(rtcConfig, log.Default())
	metrics := newPromMetrics()
	hub.SetObserver(metrics)
	if authToken != "" {
		hub.SetAuthChecker(func(nodeID, authData string) bool { return authData == authToken })
	}
	go hub.Run()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/robots.txt", robotsTxtHandler)

	if metricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Fatal(http.ListenAndServe(metricsAddr, metricsMux))
		}()
	}

	server := http.Server{Addr: addr, Handler: mux}

	if acmeHostnamesCommas != "" {
		acmeHostnames := strings.Split(acmeHostnamesCommas, ",")
		log.Printf("ACME hostnames: %q", acmeHostnames)

		certManager := autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(acmeHostnames...),
			Email:      acmeEmail,
		}
		go func() {
			log.Printf("Starting HTTP-01 listener")
			log.Fatal(http.ListenAndServe(":80", certManager.HTTPHandler(nil)))
		}()

		server.TLSConfig = &tls.Config{GetCertificate: certManager.GetCertificate}
		err = server.ListenAndServeTLS("", "")
	} else if disableTLS {
		err = server.ListenAndServe()
	} else {
		log.Fatal("the --acme-hostnames or --disable-tls option is required")
	}

	if err != nil {
		log.Fatal(err)
	}
}

func robotsTxtHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("User-agent: *\nDisallow: /\n"))
}
