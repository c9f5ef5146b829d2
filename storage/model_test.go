package storage

import "testing"

type widgetState struct {
	Count int `json:"count"`
}

func widgetModel() AggregateModel {
	return NewModel(Model[widgetState]{
		New: func() widgetState { return widgetState{} },
		Apply: func(s widgetState, env Envelope) (widgetState, error) {
			s.Count++
			return s, nil
		},
	})
}

func TestModelAdapterRoundTrip(t *testing.T) {
	m := widgetModel()
	state := m.NewState()
	next, err := m.Apply(state, Envelope{EventType: "tick", EventID: "e1"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	data, err := m.MarshalState(next)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored, err := m.UnmarshalState(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.(widgetState).Count != 1 {
		t.Errorf("expected count 1 after round trip, got %d", restored.(widgetState).Count)
	}
}

func TestModelAdapterRecoversFromWrongDynamicType(t *testing.T) {
	m := widgetModel()
	// Apply is called with a state value of the wrong dynamic type (e.g. a nil
	// interface, as happens if a caller forgets to seed NewState first); the
	// adapter should fall back to a fresh New() rather than panic on the
	// failed type assertion.
	next, err := m.Apply(nil, Envelope{EventType: "tick", EventID: "e1"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.(widgetState).Count != 1 {
		t.Errorf("expected fallback to a fresh state, got %+v", next)
	}
}
