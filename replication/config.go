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
package replication

import "time"

// Peer names one member of the cluster for bootstrapping.
type Peer struct {
	NodeID string
	Addr   string
}

// Config configures one node's participation in the replicated cluster, per
// spec.md §6's replication-related options.
type Config struct {
	NodeID   string // stable raft ServerID; defaults to storage.NewNodeID() if empty
	BindAddr string // host:port this node's raft transport listens on
	DataDir  string // root directory for raft's own log/stable/snapshot stores

	Bootstrap bool   // true only on the node that forms the initial cluster
	Peers     []Peer // full voter set, used when Bootstrap is true

	ApplyTimeout      time.Duration // how long Propose waits for a command to commit
	TransportTimeout  time.Duration
	TransportMaxPool  int
	SnapshotRetain    int
}

func DefaultConfig(nodeID, bindAddr, dataDir string) Config {
	return Config{
		NodeID:           nodeID,
		BindAddr:         bindAddr,
		DataDir:          dataDir,
		ApplyTimeout:     5 * time.Second,
		TransportTimeout: 10 * time.Second,
		TransportMaxPool: 3,
		SnapshotRetain:   2,
	}
}
