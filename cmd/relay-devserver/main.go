// Command relay-devserver is an in-memory relay server for local
// development: the full wire surface of the team service — token
// exchange, gzip batch ingest with per-event verdicts, and the
// realtime websocket with snapshots — with no persistence. Restarting
// it forgets everything, which is exactly what a dev loop wants.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/gin-gonic/gin"
)

func main() {
	addr := flag.String("addr", envOr("RELAY_DEVSERVER_ADDR", ":8787"), "listen address")
	debug := flag.Bool("debug", false, "verbose request logging")
	flag.Parse()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := newServer()
	log.Printf("relay-devserver listening on %s", *addr)
	if err := s.router.Run(*addr); err != nil {
		log.Fatalf("relay-devserver: %v", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
