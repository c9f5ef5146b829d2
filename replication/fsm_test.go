package replication

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/launix-de/raftstore/storage"
)

type counterState struct {
	Total int `json:"total"`
}

func counterModel() storage.AggregateModel {
	return storage.NewModel(storage.Model[counterState]{
		New: func() counterState { return counterState{} },
		Apply: func(s counterState, env storage.Envelope) (counterState, error) {
			s.Total++
			return s, nil
		},
	})
}

func newTestFSM(t *testing.T) *FSM {
	t.Helper()
	cfg := storage.DefaultConfig(t.TempDir())
	registry := storage.NewRegistry()
	registry.Register(storage.AggregateDescriptor{Name: "orders", Replicate: true})
	es := storage.NewEventStore(cfg, nil)
	se := storage.NewStateEngine(es, registry, cfg, zerolog.Nop())
	se.RegisterModel("orders", counterModel())
	return NewFSM(se, registry)
}

func encodeCommand(t *testing.T, cmd command) []byte {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return data
}

func TestFSMApplyFoldsCommandIntoState(t *testing.T) {
	fsm := newTestFSM(t)

	raw := encodeCommand(t, command{Aggregate: "orders", EventType: "tick", Payload: json.RawMessage(`{}`)})
	result := fsm.Apply(&raft.Log{Data: raw}).(applyResult)
	if result.Err != nil {
		t.Fatalf("apply: %v", result.Err)
	}
	if result.Outcome != storage.Appended {
		t.Errorf("expected Appended, got %v", result.Outcome)
	}
	if result.State.(counterState).Total != 1 {
		t.Errorf("expected total 1, got %+v", result.State)
	}
}

func TestFSMApplyIsIdempotentAcrossReplayedCommands(t *testing.T) {
	fsm := newTestFSM(t)

	raw := encodeCommand(t, command{Aggregate: "orders", EventType: "tick", EventID: "fixed-id", Payload: json.RawMessage(`{}`)})
	first := fsm.Apply(&raft.Log{Data: raw}).(applyResult)
	if first.Err != nil {
		t.Fatalf("first apply: %v", first.Err)
	}
	second := fsm.Apply(&raft.Log{Data: raw}).(applyResult)
	if second.Err != nil {
		t.Fatalf("second apply: %v", second.Err)
	}
	if second.Outcome != storage.AlreadyApplied {
		t.Errorf("expected replaying the same command to be AlreadyApplied, got %v", second.Outcome)
	}
	if second.State.(counterState).Total != 1 {
		t.Errorf("expected state to be unchanged by the duplicate, got %+v", second.State)
	}
}

func TestFSMApplyRejectsMalformedCommand(t *testing.T) {
	fsm := newTestFSM(t)
	result := fsm.Apply(&raft.Log{Data: []byte("not json")}).(applyResult)
	if result.Err == nil {
		t.Fatal("expected an error for a malformed command payload")
	}
}

func TestFSMSnapshotAndRestoreAreBenign(t *testing.T) {
	fsm := newTestFSM(t)
	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	body := snap.(*fsmSnapshot).body
	snap.Release()
	if err := fsm.Restore(io.NopCloser(bytes.NewReader(body))); err != nil {
		t.Fatalf("restore: %v", err)
	}
}

func TestFSMSnapshotManifestCarriesAggregateHealth(t *testing.T) {
	fsm := newTestFSM(t)

	raw := encodeCommand(t, command{Aggregate: "orders", EventType: "tick", Payload: json.RawMessage(`{}`)})
	if result := fsm.Apply(&raft.Log{Data: raw}).(applyResult); result.Err != nil {
		t.Fatalf("apply: %v", result.Err)
	}

	manifest := fsm.buildManifest()
	if len(manifest.Aggregates) != 1 {
		t.Fatalf("expected exactly 1 replicated aggregate in the manifest, got %d", len(manifest.Aggregates))
	}
	entry := manifest.Aggregates[0]
	if entry.Aggregate != "orders" || entry.EventIndex != 1 || entry.Poisoned {
		t.Errorf("unexpected manifest entry: %+v", entry)
	}
}
