package server

import (
	"encoding/json"
	"log"
	"sync"
)

const (
	roleCustomer = "customer"
	rolePartner  = "partner"
	roleDriver   = "driver"
)

func validRole(role string) bool {
	switch role {
	case roleCustomer, rolePartner, roleDriver:
		return true
	}
	return false
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame serverFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

type wsSession struct {
	mu     sync.Mutex
	peer   *wsPeer
	userID string
	role   string
}

func newWSSession(peer *wsPeer) *wsSession {
	return &wsSession{peer: peer}
}

func (s *wsSession) setIdentity(userID string, role string) {
	s.mu.Lock()
	s.userID = userID
	s.role = role
	s.mu.Unlock()
}

func (s *wsSession) identity() (string, string) {
	s.mu.Lock()
	userID, role := s.userID, s.role
	s.mu.Unlock()
	return userID, role
}

type peerIdentity struct {
	userID string
	role   string
}

// connRegistry maps roles to live peers and user ids to their single bound
// peer. A later bind for the same user id evicts the earlier peer from its
// role set without closing it.
type connRegistry struct {
	mu       sync.Mutex
	byRole   map[string]map[*wsPeer]struct{}
	byUserID map[string]*wsPeer
	identity map[*wsPeer]peerIdentity
}

func newConnRegistry() *connRegistry {
	return &connRegistry{
		byRole: map[string]map[*wsPeer]struct{}{
			roleCustomer: make(map[*wsPeer]struct{}),
			rolePartner:  make(map[*wsPeer]struct{}),
			roleDriver:   make(map[*wsPeer]struct{}),
		},
		byUserID: make(map[string]*wsPeer),
		identity: make(map[*wsPeer]peerIdentity),
	}
}

func (r *connRegistry) bind(peer *wsPeer, userID string, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byUserID[userID]; ok && old != peer {
		r.dropLocked(old)
	}
	// Re-AUTH on the same connection replaces the previous identity.
	if _, ok := r.identity[peer]; ok {
		r.dropLocked(peer)
	}

	r.byRole[role][peer] = struct{}{}
	r.byUserID[userID] = peer
	r.identity[peer] = peerIdentity{userID: userID, role: role}
}

func (r *connRegistry) unbind(peer *wsPeer) {
	r.mu.Lock()
	r.dropLocked(peer)
	r.mu.Unlock()
}

// dropLocked removes a peer from its role set and, only when the user id map
// still points at this peer, from the user id map. The ownership check guards
// against a stale removal after an eviction replaced the binding.
func (r *connRegistry) dropLocked(peer *wsPeer) {
	id, ok := r.identity[peer]
	if !ok {
		return
	}
	if set, ok := r.byRole[id.role]; ok {
		delete(set, peer)
	}
	if r.byUserID[id.userID] == peer {
		delete(r.byUserID, id.userID)
	}
	delete(r.identity, peer)
}

func (r *connRegistry) broadcast(role string, frame serverFrame, exclude *wsPeer) {
	r.broadcastRoles([]string{role}, frame, exclude)
}

func (r *connRegistry) broadcastAll(frame serverFrame, exclude *wsPeer) {
	r.broadcastRoles([]string{roleCustomer, rolePartner, roleDriver}, frame, exclude)
}

// broadcastRoles sends frame to every peer in the union of the given role
// sets except exclude. The sets are snapshotted under the lock and sends
// happen outside it; a failed send to one peer never aborts the rest.
func (r *connRegistry) broadcastRoles(roles []string, frame serverFrame, exclude *wsPeer) {
	r.mu.Lock()
	targets := make([]*wsPeer, 0)
	seen := make(map[*wsPeer]struct{})
	for _, role := range roles {
		for peer := range r.byRole[role] {
			if peer == exclude {
				continue
			}
			if _, ok := seen[peer]; ok {
				continue
			}
			seen[peer] = struct{}{}
			targets = append(targets, peer)
		}
	}
	r.mu.Unlock()

	for _, peer := range targets {
		if err := peer.writeFrame(frame); err != nil {
			log.Printf("relay: broadcast %s send failed: %v", frame.Type, err)
		}
	}
}

func (r *connRegistry) roleCount(role string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRole[role])
}
