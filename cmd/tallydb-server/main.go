// Command tallydb-server hosts a single coordinator behind a TCP
// listener.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tallydb/tallydb/pkg/audit"
	"github.com/tallydb/tallydb/pkg/clock"
	"github.com/tallydb/tallydb/pkg/coordinator"
	"github.com/tallydb/tallydb/pkg/server"
)

func main() {
	var (
		address     = flag.String("addr", ":7777", "server address")
		journalPath = flag.String("journal", "", "optional audit journal path")
	)
	flag.Parse()

	clk := clock.New()
	coord := coordinator.New(clk)

	if *journalPath != "" {
		j, err := audit.Open(*journalPath)
		if err != nil {
			log.Fatalf("opening journal: %v", err)
		}
		defer j.Close()
		coord.SetJournal(j)
		log.Printf("journaling to %s", *journalPath)
	}

	srv := server.New(coord, clk, log.Default())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("shutting down...")
		srv.Close()
	}()

	log.Printf("tallydb server starting, listening on %s", *address)
	if err := srv.Listen(*address); err != nil {
		log.Printf("server error: %v", err)
	}
}
