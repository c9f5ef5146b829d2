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

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/launix-de/raftstore/storage"
)

// Node wraps a hashicorp/raft instance running the FSM bound to one
// StateEngine. One Node is created per aggregate set that shares a cluster;
// the common case (spec.md §4.7) is a single Node for every aggregate marked
// replicate: true in the Registry.
type Node struct {
	cfg    Config
	raft   *raft.Raft
	fsm    *FSM
	logger io.Writer
}

// NewNode opens (or creates) the raft log/stable/snapshot stores under
// cfg.DataDir, starts the transport, and constructs the raft.Raft instance.
// If cfg.Bootstrap is set and the cluster has no existing state, it bootstraps
// a single-node (or multi-voter, from cfg.Peers) configuration.
func NewNode(cfg Config, engine *storage.StateEngine, registry *storage.Registry, logOutput io.Writer) (*Node, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = storage.NewNodeID()
	}
	if logOutput == nil {
		logOutput = os.Stderr
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, err
	}

	fsm := NewFSM(engine, registry)

	boltPath := filepath.Join(cfg.DataDir, "raft.bolt")
	store, err := raftboltdb.New(raftboltdb.Options{Path: boltPath})
	if err != nil {
		return nil, fmt.Errorf("replication: open bolt store: %w", err)
	}

	snapshotDir := filepath.Join(cfg.DataDir, "snapshots")
	if err := os.MkdirAll(snapshotDir, 0750); err != nil {
		return nil, err
	}
	snapshots, err := raft.NewFileSnapshotStore(snapshotDir, cfg.SnapshotRetain, logOutput)
	if err != nil {
		return nil, fmt.Errorf("replication: open snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("replication: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, cfg.TransportMaxPool, cfg.TransportTimeout, logOutput)
	if err != nil {
		return nil, fmt.Errorf("replication: open transport: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	r, err := raft.NewRaft(raftCfg, fsm, store, store, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("replication: start raft: %w", err)
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(store, store, snapshots)
		if err != nil {
			return nil, err
		}
		if !hasState {
			servers := make([]raft.Server, 0, len(cfg.Peers)+1)
			servers = append(servers, raft.Server{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()})
			for _, p := range cfg.Peers {
				if p.NodeID == cfg.NodeID {
					continue
				}
				servers = append(servers, raft.Server{ID: raft.ServerID(p.NodeID), Address: raft.ServerAddress(p.Addr)})
			}
			f := r.BootstrapCluster(raft.Configuration{Servers: servers})
			if err := f.Error(); err != nil {
				return nil, fmt.Errorf("replication: bootstrap cluster: %w", err)
			}
		}
	}

	return &Node{cfg: cfg, raft: r, fsm: fsm, logger: logOutput}, nil
}

// IsLeader reports whether this node currently believes it is the raft
// leader.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the address this node believes is the current leader, for
// NotLeaderError's hint.
func (n *Node) Leader() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// Propose replicates one ApplyEvent call through raft. It returns
// NotLeaderError immediately if this node is not the leader, and
// ReplicationTimeoutError if the command does not commit within
// cfg.ApplyTimeout.
func (n *Node) Propose(aggregate, eventType, eventID string, payload []byte, idempotenceKey string) (any, storage.AppendOutcome, error) {
	if n.raft.State() != raft.Leader {
		return nil, storage.Appended, &storage.NotLeaderError{LeaderHint: n.Leader()}
	}
	if eventID == "" {
		eventID = storage.NewEventID() // fixed here so every replay of the entry dedups on the same id
	}

	body, err := json.Marshal(command{
		Aggregate:      aggregate,
		EventType:      eventType,
		EventID:        eventID,
		Payload:        payload,
		IdempotenceKey: idempotenceKey,
	})
	if err != nil {
		return nil, storage.Appended, err
	}

	future := n.raft.Apply(body, n.cfg.ApplyTimeout)
	// raft's own timeout only bounds enqueueing; bound the wait for commit too.
	var deadline <-chan time.Time
	if n.cfg.ApplyTimeout > 0 {
		deadline = time.After(n.cfg.ApplyTimeout)
	}
	done := make(chan error, 1)
	go func() { done <- future.Error() }()
	select {
	case err = <-done:
	case <-deadline:
		return nil, storage.Appended, &storage.ReplicationTimeoutError{Aggregate: aggregate, EventID: eventID}
	}
	if err != nil {
		if err == raft.ErrEnqueueTimeout || err == raft.ErrLeadershipLost {
			return nil, storage.Appended, &storage.ReplicationTimeoutError{Aggregate: aggregate, EventID: eventID}
		}
		return nil, storage.Appended, err
	}

	result, ok := future.Response().(applyResult)
	if !ok {
		return nil, storage.Appended, fmt.Errorf("replication: unexpected FSM response type %T", future.Response())
	}
	return result.State, result.Outcome, result.Err
}

// AddVoter adds a new voting member to the cluster; must be called against
// the current leader.
func (n *Node) AddVoter(nodeID, addr string, timeout time.Duration) error {
	f := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, timeout)
	return f.Error()
}

// Shutdown gracefully stops the raft instance.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}
