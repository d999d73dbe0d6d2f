package core

import (
	"container/list"
	"fmt"
)

// OpDeduper implements two-tier operation deduplication: an in-memory
// LRU in front of a Postgres lookup.
type OpDeduper struct {
	lru       *opLRU
	dbChecker DBOpChecker
}

// DBOpChecker is the interface for the Postgres dedup lookup
type DBOpChecker interface {
	IsDuplicate(opType string, opID string) (bool, error)
}

func NewOpDeduper(capacity int, dbChecker DBOpChecker) *OpDeduper {
	return &OpDeduper{
		lru:       newOpLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks whether an operation id was already applied.
func (d *OpDeduper) IsDuplicate(opType string, opID string) bool {
	compositeKey := fmt.Sprintf("%s:%s", opType, opID)

	// Tier 1: LRU check (hot path)
	if d.lru.Contains(compositeKey) {
		return true
	}

	// Tier 2: Postgres check (cold path)
	if d.dbChecker != nil {
		isDup, err := d.dbChecker.IsDuplicate(opType, opID)
		if err != nil {
			// Conservative: a DB error must not wedge the engine, so
			// assume not duplicate and let the unique index catch it.
			return false
		}
		if isDup {
			d.lru.Add(compositeKey)
			return true
		}
	}

	return false
}

// MarkApplied records an operation id after successful processing.
func (d *OpDeduper) MarkApplied(opType string, opID string) {
	d.lru.Add(fmt.Sprintf("%s:%s", opType, opID))
}

// Warm loads a batch of composite keys, avoiding cold-path DB lookups
// for recently applied operations after a restart.
func (d *OpDeduper) Warm(keys []string) {
	d.lru.WarmFromKeys(keys)
}

// Size returns the current LRU occupancy.
func (d *OpDeduper) Size() int {
	return d.lru.Size()
}

// --- LRU implementation ---

// opLRU is an LRU cache of composite dedup keys.
// Not thread-safe; the engine serializes access under its own mutex.
type opLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newOpLRU(capacity int) *opLRU {
	return &opLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if the key exists and promotes it to the front.
func (lru *opLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key, or promotes it if already present.
func (lru *opLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	entry := &lruEntry{key: key}
	elem := lru.lruList.PushFront(entry)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *opLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
	}
}

func (lru *opLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		entry := &lruEntry{key: key}
		elem := lru.lruList.PushFront(entry)
		lru.cache[key] = elem

		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

func (lru *opLRU) Size() int {
	return lru.lruList.Len()
}
