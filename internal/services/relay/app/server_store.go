package server

import (
	"errors"
	"sync"
)

type callKind string

const (
	callKindStorage  callKind = "storage"
	callKindDelivery callKind = "delivery"
	callKindRelayed  callKind = "relayed"
)

type callStatus string

const (
	callStatusPending  callStatus = "pending"
	callStatusAccepted callStatus = "accepted"
)

var errCallNotFound = errors.New("call not found")
var errCallAlreadyAccepted = errors.New("call already accepted")

// callRecord holds one live call. Payload is the kind-specific object
// broadcast to provider connections as NEW_CALL data; acceptance state lives
// on the record itself because accepted calls are never re-broadcast.
type callRecord struct {
	ID             int64
	Kind           callKind
	Status         callStatus
	AcceptedBy     string
	AcceptedByType string
	Payload        any
}

// callStore assigns monotonically increasing call ids and tracks call
// lifecycle in memory. Ids start at 1 and are never reused, even after a
// record is removed.
type callStore struct {
	mu     sync.Mutex
	nextID int64
	calls  map[int64]*callRecord
}

func newCallStore() *callStore {
	return &callStore{
		nextID: 1,
		calls:  make(map[int64]*callRecord),
	}
}

// create assigns the next id, builds the payload with it, and stores the
// record as pending. The build callback runs under the store lock so the id
// can never be observed before the record exists.
func (s *callStore) create(kind callKind, build func(id int64) any) callRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	record := &callRecord{
		ID:      id,
		Kind:    kind,
		Status:  callStatusPending,
		Payload: build(id),
	}
	s.calls[id] = record
	return *record
}

func (s *callStore) get(id int64) (callRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.calls[id]
	if !ok {
		return callRecord{}, false
	}
	return *record, true
}

// markAccepted transitions a pending call to accepted. The check-and-set is
// atomic under the store lock, so concurrent accepters resolve to exactly one
// winner; later callers see errCallAlreadyAccepted.
func (s *callStore) markAccepted(id int64, userID string, role string) (callRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.calls[id]
	if !ok {
		return callRecord{}, errCallNotFound
	}
	if record.Status != callStatusPending {
		return callRecord{}, errCallAlreadyAccepted
	}
	record.Status = callStatusAccepted
	record.AcceptedBy = userID
	record.AcceptedByType = role
	return *record, nil
}

// remove deletes a record and reports whether one existed, so callers can
// avoid re-broadcasting a cancellation for an already-removed call.
func (s *callStore) remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.calls[id]
	delete(s.calls, id)
	return ok
}
