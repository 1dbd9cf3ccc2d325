// Package pki defines the registries DCGKA reads from but never owns: a
// view of which identities exist and which prekey bundle each currently
// publishes. Implementations are free to back these with a gossiped address
// book, a directory service, or (as here) an in-memory map for tests — the
// core only ever calls through the interfaces.
package pki

import (
	"github.com/p2panda/p2panda-group/identity"
	"github.com/p2panda/p2panda-group/key"
)

// PreKeyRegistry resolves a member's currently published KeyBundle. A miss
// means the core cannot yet start (or refresh) a 2SM session with that
// member; DCGKA surfaces that as MissingPreKeys rather than failing hard,
// since the caller may simply need to wait for a PKI update.
type PreKeyRegistry interface {
	Bundle(id identity.ID) (key.Bundle, bool)
}

// IdentityRegistry answers whether an identity is known at all, independent
// of whether it currently has a prekey bundle published.
type IdentityRegistry interface {
	Contains(id identity.ID) bool
}

// View bundles both registries, the shape DCGKA actually takes a dependency
// on (the spec's DcgkaState.pki_view).
type View interface {
	PreKeyRegistry
	IdentityRegistry
}

// InMemory is a simple View backed by a map, the kind of stand-in the
// teacher's own key.Group plays in tests before a real directory service is
// wired in.
type InMemory struct {
	bundles map[identity.ID]key.Bundle
}

// NewInMemory returns an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{bundles: make(map[identity.ID]key.Bundle)}
}

// Publish records or replaces id's currently advertised bundle.
func (r *InMemory) Publish(id identity.ID, bundle key.Bundle) {
	r.bundles[id] = bundle
}

// Revoke removes id's advertised bundle without removing its identity; a
// subsequent Bundle lookup reports ok=false until Publish is called again.
func (r *InMemory) Revoke(id identity.ID) {
	delete(r.bundles, id)
}

func (r *InMemory) Bundle(id identity.ID) (key.Bundle, bool) {
	b, ok := r.bundles[id]
	return b, ok
}

func (r *InMemory) Contains(id identity.ID) bool {
	_, ok := r.bundles[id]
	return ok
}

var _ View = (*InMemory)(nil)
