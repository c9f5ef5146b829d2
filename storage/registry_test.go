package storage

import "testing"

func TestRegistryLookupDefaultsWhenUnregistered(t *testing.T) {
	r := NewRegistry()
	desc := r.Lookup("never-registered")
	if desc.Replicate || desc.TrackHistory {
		t.Errorf("expected zero-value defaults, got %+v", desc)
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(AggregateDescriptor{Name: "orders", Replicate: true, SnapshotEvery: 50})
	desc := r.Lookup("Orders") // normalization should make this match
	if !desc.Replicate || desc.SnapshotEvery != 50 {
		t.Errorf("expected registered descriptor, got %+v", desc)
	}
}

func TestRegistryReRegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	r.Register(AggregateDescriptor{Name: "orders", SnapshotEvery: 50})
	r.Register(AggregateDescriptor{Name: "orders", SnapshotEvery: 100})
	if desc := r.Lookup("orders"); desc.SnapshotEvery != 100 {
		t.Errorf("expected re-registration to overwrite, got %d", desc.SnapshotEvery)
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.Register(AggregateDescriptor{Name: "a"})
	r.Register(AggregateDescriptor{Name: "b"})
	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d", len(names))
	}
}
