package server

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newBufferPeer() (*wsPeer, *bytes.Buffer) {
	var buf bytes.Buffer
	return newWSPeer(json.NewEncoder(&buf)), &buf
}

func framesIn(buf *bytes.Buffer) []string {
	raw := strings.TrimSpace(buf.String())
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

func TestRegistryBroadcastReachesRoleOnly(t *testing.T) {
	registry := newConnRegistry()
	partner, partnerBuf := newBufferPeer()
	driver, driverBuf := newBufferPeer()
	customer, customerBuf := newBufferPeer()

	registry.bind(partner, "p1", rolePartner)
	registry.bind(driver, "d1", roleDriver)
	registry.bind(customer, "c1", roleCustomer)

	registry.broadcast(rolePartner, serverFrame{Type: msgNewCall}, nil)

	if got := len(framesIn(partnerBuf)); got != 1 {
		t.Fatalf("partner frames = %d, want 1", got)
	}
	if got := len(framesIn(driverBuf)); got != 0 {
		t.Fatalf("driver frames = %d, want 0", got)
	}
	if got := len(framesIn(customerBuf)); got != 0 {
		t.Fatalf("customer frames = %d, want 0", got)
	}
}

func TestRegistryBindEvictsPreviousConnection(t *testing.T) {
	registry := newConnRegistry()
	old, oldBuf := newBufferPeer()
	replacement, replacementBuf := newBufferPeer()

	registry.bind(old, "p1", rolePartner)
	registry.bind(replacement, "p1", rolePartner)

	registry.broadcast(rolePartner, serverFrame{Type: msgNewCall}, nil)

	if got := len(framesIn(oldBuf)); got != 0 {
		t.Fatalf("evicted peer frames = %d, want 0", got)
	}
	if got := len(framesIn(replacementBuf)); got != 1 {
		t.Fatalf("replacement frames = %d, want 1", got)
	}
	if got := registry.roleCount(rolePartner); got != 1 {
		t.Fatalf("partner count = %d, want 1", got)
	}
}

func TestRegistryStaleUnbindKeepsReplacement(t *testing.T) {
	registry := newConnRegistry()
	old, _ := newBufferPeer()
	replacement, replacementBuf := newBufferPeer()

	registry.bind(old, "p1", rolePartner)
	registry.bind(replacement, "p1", rolePartner)

	// The evicted connection disconnects after replacement; its unbind must
	// not tear down the replacement's identity mapping.
	registry.unbind(old)

	registry.broadcast(rolePartner, serverFrame{Type: msgNewCall}, nil)
	if got := len(framesIn(replacementBuf)); got != 1 {
		t.Fatalf("replacement frames = %d, want 1", got)
	}
}

func TestRegistryRebindSameConnectionSwitchesRole(t *testing.T) {
	registry := newConnRegistry()
	peer, buf := newBufferPeer()

	registry.bind(peer, "u1", rolePartner)
	registry.bind(peer, "u1", roleDriver)

	if got := registry.roleCount(rolePartner); got != 0 {
		t.Fatalf("partner count = %d, want 0 after role switch", got)
	}
	registry.broadcast(roleDriver, serverFrame{Type: msgNewCall}, nil)
	if got := len(framesIn(buf)); got != 1 {
		t.Fatalf("driver frames = %d, want 1", got)
	}
}

func TestRegistryBroadcastExcludesSender(t *testing.T) {
	registry := newConnRegistry()
	sender, senderBuf := newBufferPeer()
	other, otherBuf := newBufferPeer()

	registry.bind(sender, "p1", rolePartner)
	registry.bind(other, "p2", rolePartner)

	registry.broadcastAll(serverFrame{Type: msgCallAccepted}, sender)

	if got := len(framesIn(senderBuf)); got != 0 {
		t.Fatalf("sender frames = %d, want 0", got)
	}
	if got := len(framesIn(otherBuf)); got != 1 {
		t.Fatalf("other frames = %d, want 1", got)
	}
}

func TestRegistryBroadcastRolesUnion(t *testing.T) {
	registry := newConnRegistry()
	partner, partnerBuf := newBufferPeer()
	driver, driverBuf := newBufferPeer()
	customer, customerBuf := newBufferPeer()

	registry.bind(partner, "p1", rolePartner)
	registry.bind(driver, "d1", roleDriver)
	registry.bind(customer, "c1", roleCustomer)

	registry.broadcastRoles([]string{rolePartner, roleDriver}, serverFrame{Type: msgCallCancelled, CallID: 1}, nil)

	if got := len(framesIn(partnerBuf)); got != 1 {
		t.Fatalf("partner frames = %d, want 1", got)
	}
	if got := len(framesIn(driverBuf)); got != 1 {
		t.Fatalf("driver frames = %d, want 1", got)
	}
	if got := len(framesIn(customerBuf)); got != 0 {
		t.Fatalf("customer frames = %d, want 0", got)
	}
}

func TestRegistryBroadcastEmptyRoleIsNoOp(t *testing.T) {
	registry := newConnRegistry()
	registry.broadcast(rolePartner, serverFrame{Type: msgNewCall}, nil)
	registry.broadcastAll(serverFrame{Type: msgNewCall}, nil)
}

func TestRegistryUnbindUnknownPeerIsNoOp(t *testing.T) {
	registry := newConnRegistry()
	peer, _ := newBufferPeer()
	registry.unbind(peer)
}
