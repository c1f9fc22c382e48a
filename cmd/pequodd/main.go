// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command pequodd is a local entry point for the reactive view engine:
// it raises the descriptor limit, optionally preloads tables and joins
// from a YAML config, and then runs an in-process stats loop until
// interrupted. The wire RPC server a real deployment would put in
// front of a Server is a named-only external collaborator (spec.md
// §6); this binary drives package server directly.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pequodb/pequod/server"
)

func main() {
	configPath := flag.String("config", "", "optional YAML file declaring tables and joins to preload")
	paceThreshold := flag.Int("pace-threshold", 0, "drain the prewarm queue down to this many pending jobs at startup and every stats tick")
	statsInterval := flag.Duration("stats-interval", 10*time.Second, "how often to log stats() while running")
	flag.Parse()

	logger := log.New(os.Stderr, "pequodd: ", log.LstdFlags)

	raiseFileLimit(logger)

	s := server.New()
	s.Logger = logger

	if *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			logger.Fatalf("loading %s: %s", *configPath, err)
		}
		if err := cfg.apply(s); err != nil {
			logger.Fatalf("applying %s: %s", *configPath, err)
		}
		logger.Printf("preloaded %d table(s), %d join(s) from %s", len(cfg.Tables), len(cfg.Joins), *configPath)
	}

	s.Pace(*paceThreshold)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*statsInterval)
	defer ticker.Stop()

	logger.Printf("serving in-process; stats every %s, ^C to stop", *statsInterval)
	for {
		select {
		case <-ticker.C:
			s.Pace(*paceThreshold)
			logStats(logger, s)
		case <-sig:
			logger.Println("shutting down")
			return
		}
	}
}

func logStats(logger *log.Logger, s *server.Server) {
	out, err := s.Control("stats")
	if err != nil {
		logger.Printf("stats: %s", err)
		return
	}
	logger.Printf("stats: %s", out)
}
