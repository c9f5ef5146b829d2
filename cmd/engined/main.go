/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command engined runs one storage node: the Event Store / State Engine for
// every locally registered aggregate, plus (when -raft-addr is set) a
// hashicorp/raft node replicating the aggregates marked replicate: true.
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/launix-de/raftstore/engine"
	"github.com/launix-de/raftstore/examples"
	"github.com/launix-de/raftstore/replication"
	"github.com/launix-de/raftstore/storage"
)

func main() {
	dataDir := flag.String("data-dir", "./data", "root directory for all aggregates")
	maxSegmentSize := flag.String("max-segment-size", "256MB", "segment rotation threshold")
	snapshotEvery := flag.Int("snapshot-every", 1000, "events between auto-snapshots")
	durability := flag.String("durability", "max-durability", "max-durability | balanced | performance")
	archiveDir := flag.String("archive-dir", "", "optional cold-archive directory for compacted prefixes")
	nodeID := flag.String("node-id", "", "stable raft node id; generated if empty")
	bindAddr := flag.String("raft-addr", "", "host:port for the raft transport; empty disables replication")
	bootstrap := flag.Bool("bootstrap", false, "bootstrap a new cluster on this node")
	peers := flag.String("peers", "", "comma-separated id=addr list for bootstrap")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg := storage.DefaultConfig(*dataDir)
	cfg.MaxLogFileSizeRaw = *maxSegmentSize
	cfg.SnapshotEvery = *snapshotEvery
	switch *durability {
	case "balanced":
		cfg.Durability = storage.Balanced
	case "performance":
		cfg.Durability = storage.Performance
	default:
		cfg.Durability = storage.MaxDurability
	}

	var archive storage.BlobStore
	if *archiveDir != "" {
		archive = storage.NewXZBlobStore(storage.NewFileBlobStore(*archiveDir))
		cfg.ArchiveCompacted = true
	}

	eng, err := engine.New(engine.Options{Config: cfg, Archive: archive, Logger: &log, WatchForRot: true})
	if err != nil {
		log.Fatal().Err(err).Msg("engine init failed")
	}

	eng.RegisterAggregate(storage.AggregateDescriptor{
		Name:       "ledger",
		PrimaryKey: "id",
		Replicate:  *bindAddr != "",
	}, examples.NewLedgerModel())

	if *bindAddr != "" {
		repCfg := replication.DefaultConfig(*nodeID, *bindAddr, *dataDir+"/_raft")
		repCfg.Bootstrap = *bootstrap
		repCfg.Peers = parsePeers(*peers)

		node, err := replication.NewNode(repCfg, eng.StateEngine(), eng.Registry(), os.Stderr)
		if err != nil {
			log.Fatal().Err(err).Msg("replication init failed")
		}
		eng.AttachReplication(node)
		log.Info().Str("node_id", repCfg.NodeID).Str("addr", *bindAddr).Msg("replication enabled")
	}

	log.Info().Str("data_dir", *dataDir).Msg("engined started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	if err := eng.Shutdown(); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

func parsePeers(s string) []replication.Peer {
	if s == "" {
		return nil
	}
	var out []replication.Peer
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out = append(out, replication.Peer{NodeID: kv[0], Addr: kv[1]})
	}
	return out
}
