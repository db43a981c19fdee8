// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// actorRef is the type-erased view of an [*Actor] the inventory keeps.
// The concrete request/response types are recovered by the dispatcher via
// a type assertion on [InventoryEntry.Actor].
type actorRef interface {
	Alive() bool
	Drop(ctx context.Context) error
}

// InventoryEntry is one live actor record.
type InventoryEntry struct {
	// Address is the address the actor was first spawned for, kept for
	// display in instrument listings.
	Address Address

	// Kind is the transport family of the actor.
	Kind InstrumentKind

	// ref is the type-erased actor.
	ref actorRef
}

// Actor returns the type-erased actor for variant dispatch. Callers
// type-assert to the concrete [*Actor] instantiation matching the entry's
// kind.
func (e InventoryEntry) Actor() any { return e.ref }

// inventoryDropGrace bounds how long Drop waits for an actor to complete
// its in-flight transaction and exit.
const inventoryDropGrace = 3 * time.Second

// Inventory is the process-wide registry of live actors keyed by
// [HandleID].
//
// All mutations are atomic under an internal mutex with short critical
// sections; spawning is cheap because handles open lazily, so it happens
// under the same mutex, which also provides the double-check that
// prevents duplicate spawns under contention.
//
// The zero value is not usable; construct with [NewInventory]. Inventory
// is a plain value: tests construct as many as they need.
type Inventory struct {
	// logger is the SLogger to use.
	logger SLogger

	// mu protects entries.
	mu sync.Mutex

	// entries maps each handle to its live actor record.
	entries map[HandleID]InventoryEntry
}

// NewInventory creates an [*Inventory].
//
// The cfg argument contains the common configuration for comsrv components.
func NewInventory(cfg *Config) *Inventory {
	return &Inventory{
		logger:  cfg.Logger,
		entries: make(map[HandleID]InventoryEntry),
	}
}

// GetOrSpawn returns the live entry for addr's handle, spawning one via
// spawn when the handle is unknown or its previous actor terminated. The
// returned actor is ready to receive.
func (inv *Inventory) GetOrSpawn(addr Address, spawn func(Address) (actorRef, error)) (InventoryEntry, error) {
	handle := addr.HandleID()

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if entry, ok := inv.entries[handle]; ok {
		if entry.ref.Alive() {
			return entry, nil
		}
		// A terminated actor (fatal error or panic) is replaced in
		// place so the next request re-spawns it.
		delete(inv.entries, handle)
	}
	ref, err := spawn(addr)
	if err != nil {
		return InventoryEntry{}, err
	}
	entry := InventoryEntry{Address: addr, Kind: addr.Kind(), ref: ref}
	inv.entries[handle] = entry
	inv.logger.Info("inventorySpawn", "handle", string(handle), "address", addr.String())
	return entry, nil
}

// Drop removes the entry for addr's handle and signals its actor to shut
// down, waiting up to the bounded grace period for it to exit. Dropping a
// missing entry is a no-op.
func (inv *Inventory) Drop(ctx context.Context, addr Address) error {
	return inv.dropHandle(ctx, addr.HandleID())
}

func (inv *Inventory) dropHandle(ctx context.Context, handle HandleID) error {
	inv.mu.Lock()
	entry, ok := inv.entries[handle]
	if ok {
		delete(inv.entries, handle)
	}
	inv.mu.Unlock()
	if !ok {
		return nil
	}
	inv.logger.Info("inventoryDrop", "handle", string(handle))
	graceCtx, cancel := context.WithTimeout(ctx, inventoryDropGrace)
	defer cancel()
	return entry.ref.Drop(graceCtx)
}

// DropAll fans out [Inventory.Drop] to every entry and waits for all of
// them, returning the first drop failure if any.
func (inv *Inventory) DropAll(ctx context.Context) error {
	inv.mu.Lock()
	entries := make(map[HandleID]InventoryEntry, len(inv.entries))
	for handle, entry := range inv.entries {
		entries[handle] = entry
	}
	clear(inv.entries)
	inv.mu.Unlock()

	var group errgroup.Group
	for handle, entry := range entries {
		group.Go(func() error {
			inv.logger.Info("inventoryDrop", "handle", string(handle))
			graceCtx, cancel := context.WithTimeout(ctx, inventoryDropGrace)
			defer cancel()
			return entry.ref.Drop(graceCtx)
		})
	}
	return group.Wait()
}

// List returns a sorted snapshot of the canonical address strings of all
// live entries.
func (inv *Inventory) List() []string {
	inv.mu.Lock()
	addrs := make([]string, 0, len(inv.entries))
	for _, entry := range inv.entries {
		addrs = append(addrs, entry.Address.String())
	}
	inv.mu.Unlock()
	sort.Strings(addrs)
	return addrs
}
