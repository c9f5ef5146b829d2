package storage

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type poisonableState struct {
	Rejects int `json:"rejects"`
}

var errPoisonTrigger = errors.New("rejected by model")

func poisonableModel() AggregateModel {
	return NewModel(Model[poisonableState]{
		New: func() poisonableState { return poisonableState{} },
		Apply: func(s poisonableState, env Envelope) (poisonableState, error) {
			if env.EventType == "poison" {
				return s, errPoisonTrigger
			}
			s.Rejects++
			return s, nil
		},
	})
}

func newTestStateEngine(t *testing.T) *StateEngine {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	es := NewEventStore(cfg, nil)
	return NewStateEngine(es, NewRegistry(), cfg, zerolog.Nop())
}

func TestApplyEventPoisonsAggregateOnModelError(t *testing.T) {
	se := newTestStateEngine(t)
	se.RegisterModel("orders", poisonableModel())

	if _, _, err := se.ApplyEvent("orders", "ok", "", []byte(`{}`), ""); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, _, err := se.ApplyEvent("orders", "poison", "", []byte(`{}`), ""); err == nil {
		t.Fatal("expected the poisoning event to return an error")
	}

	// every call after poisoning must keep returning PoisonedError, never
	// silently recover or apply further events.
	_, _, err := se.ApplyEvent("orders", "ok", "", []byte(`{}`), "")
	var poisoned *PoisonedError
	if !errors.As(err, &poisoned) {
		t.Fatalf("expected PoisonedError after poisoning, got %v", err)
	}

	if _, _, err := se.ReadState("orders"); !errors.As(err, &poisoned) {
		t.Fatalf("expected ReadState to also report PoisonedError, got %v", err)
	}

	health, err := se.Health("orders")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.Poisoned {
		t.Error("expected Health to report Poisoned=true")
	}
}

func TestApplyEventIsolatesAggregatesFromEachOther(t *testing.T) {
	se := newTestStateEngine(t)
	se.RegisterModel("orders", poisonableModel())
	se.RegisterModel("invoices", poisonableModel())

	if _, _, err := se.ApplyEvent("orders", "poison", "", []byte(`{}`), ""); err == nil {
		t.Fatal("expected orders to be poisoned")
	}
	if _, _, err := se.ApplyEvent("invoices", "ok", "", []byte(`{}`), ""); err != nil {
		t.Fatalf("invoices should be unaffected by orders' poisoning: %v", err)
	}

	state, release, err := se.ReadState("invoices")
	if err != nil {
		t.Fatalf("read invoices: %v", err)
	}
	defer release()
	if state.(poisonableState).Rejects != 1 {
		t.Errorf("expected invoices to have applied its own event, got %+v", state)
	}
}

func TestApplyEventUnknownAggregateIsRegistryError(t *testing.T) {
	se := newTestStateEngine(t)
	_, _, err := se.ApplyEvent("never-registered", "ok", "", []byte(`{}`), "")
	var regErr *RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("expected RegistryError, got %v", err)
	}
}

func TestSnapshotThenForcedCompactTruncatesTail(t *testing.T) {
	se := newTestStateEngine(t)
	se.RegisterModel("orders", poisonableModel())

	for i := 0; i < 3; i++ {
		if _, _, err := se.ApplyEvent("orders", "ok", "", []byte(`{}`), ""); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if err := se.Snapshot("orders"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := se.Compact("orders"); err != nil {
		t.Fatalf("compact: %v", err)
	}

	result, err := se.IterateEvents("orders")
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(result.Envelopes) != 0 {
		t.Errorf("expected compaction to remove the covered tail, got %d envelopes", len(result.Envelopes))
	}

	health, err := se.Health("orders")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.EventIndex != 3 {
		t.Errorf("expected event index 3 to survive compaction, got %d", health.EventIndex)
	}
}
