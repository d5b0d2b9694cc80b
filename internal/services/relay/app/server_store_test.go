package server

import (
	"errors"
	"sync"
	"testing"
)

func createTestCall(s *callStore) callRecord {
	return s.create(callKindStorage, func(id int64) any {
		return storageCall{ID: id, Status: string(callStatusPending)}
	})
}

func TestCallStoreIDsAreStrictlyIncreasing(t *testing.T) {
	store := newCallStore()

	first := createTestCall(store)
	if first.ID != 1 {
		t.Fatalf("first id = %d, want 1", first.ID)
	}
	second := createTestCall(store)
	if second.ID != 2 {
		t.Fatalf("second id = %d, want 2", second.ID)
	}

	if !store.remove(second.ID) {
		t.Fatal("expected remove to report deletion")
	}
	third := createTestCall(store)
	if third.ID != 3 {
		t.Fatalf("id after remove = %d, want 3 (ids are never reused)", third.ID)
	}
}

func TestCallStoreGetMissing(t *testing.T) {
	store := newCallStore()
	if _, ok := store.get(42); ok {
		t.Fatal("expected miss for unknown call id")
	}
}

func TestCallStoreMarkAcceptedSetsAcceptor(t *testing.T) {
	store := newCallStore()
	record := createTestCall(store)

	accepted, err := store.markAccepted(record.ID, "p1", rolePartner)
	if err != nil {
		t.Fatalf("mark accepted: %v", err)
	}
	if accepted.Status != callStatusAccepted {
		t.Fatalf("status = %q, want %q", accepted.Status, callStatusAccepted)
	}
	if accepted.AcceptedBy != "p1" || accepted.AcceptedByType != rolePartner {
		t.Fatalf("acceptor = %q/%q, want p1/partner", accepted.AcceptedBy, accepted.AcceptedByType)
	}

	stored, ok := store.get(record.ID)
	if !ok {
		t.Fatal("expected record after accept")
	}
	if stored.Status != callStatusAccepted {
		t.Fatalf("stored status = %q, want %q", stored.Status, callStatusAccepted)
	}
}

func TestCallStoreMarkAcceptedUnknownCall(t *testing.T) {
	store := newCallStore()
	if _, err := store.markAccepted(999, "p1", rolePartner); !errors.Is(err, errCallNotFound) {
		t.Fatalf("err = %v, want errCallNotFound", err)
	}
}

func TestCallStoreMarkAcceptedIsExactlyOnce(t *testing.T) {
	store := newCallStore()
	record := createTestCall(store)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.markAccepted(record.ID, "u", roleDriver)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, errCallAlreadyAccepted):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestCallStoreRemoveIsIdempotent(t *testing.T) {
	store := newCallStore()
	record := createTestCall(store)

	if !store.remove(record.ID) {
		t.Fatal("first remove should report deletion")
	}
	if store.remove(record.ID) {
		t.Fatal("second remove should be a no-op")
	}
	if store.remove(999) {
		t.Fatal("remove of unknown id should be a no-op")
	}
}

func TestCallStoreRemoveAcceptedCall(t *testing.T) {
	store := newCallStore()
	record := createTestCall(store)

	if _, err := store.markAccepted(record.ID, "p1", rolePartner); err != nil {
		t.Fatalf("mark accepted: %v", err)
	}
	// Cancellation is unconditional: accepted calls can still be removed.
	if !store.remove(record.ID) {
		t.Fatal("expected accepted call to be removable")
	}
}
