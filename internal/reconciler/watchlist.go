package reconciler

import "sync"

// WatchList is the shared-memory address -> intentID map.
// Mutated by ensureAssigned (add) and intent confirmation (remove),
// guarded by a single lock held only across the map operation, never
// across I/O.
type WatchList struct {
	mu      sync.RWMutex
	byAddr  map[string]string // address -> intentID
	byID    map[string]string // addressID -> address
}

// NewWatchList builds an empty list.
func NewWatchList() *WatchList {
	return &WatchList{byAddr: make(map[string]string), byID: make(map[string]string)}
}

// Add registers addressID/address as watched for intentID.
func (w *WatchList) Add(addressID, address, intentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byAddr[address] = intentID
	w.byID[addressID] = address
}

// Remove drops addressID from the watch set (called once an intent is
// confirmed; a reorg that demotes the intent adds the address back).
func (w *WatchList) Remove(addressID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if addr, ok := w.byID[addressID]; ok {
		delete(w.byAddr, addr)
		delete(w.byID, addressID)
	}
}

// IntentFor returns the intent ID watching address, if any.
func (w *WatchList) IntentFor(address string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	id, ok := w.byAddr[address]
	return id, ok
}

// Len reports how many addresses are currently watched.
func (w *WatchList) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.byAddr)
}

// Clear empties the watch list.
func (w *WatchList) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byAddr = make(map[string]string)
	w.byID = make(map[string]string)
}
