package idempotency

import "sync"

// Pending holds the keys of submissions that were dispatched but have not
// settled yet. Sessions live in one process, so an in-process reservation
// covers every submission a key can name.
type Pending struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewPending creates an empty reservation set.
func NewPending() *Pending {
	return &Pending{entries: make(map[string]entry)}
}

// Reserve claims key for a submission. When the key is already claimed with
// the same input hash it returns the in-flight receipt and false; with a
// different hash it returns a 409 conflict error.
func (p *Pending) Reserve(key, inputHash string, receipt Receipt) (*Receipt, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok {
		if e.InputHash != inputHash {
			return nil, false, conflict(key)
		}
		r := e.Receipt
		return &r, false, nil
	}
	p.entries[key] = entry{InputHash: inputHash, Receipt: receipt}
	return nil, true, nil
}

// Release drops the claim on key.
func (p *Pending) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
}

// Len returns the number of claimed keys.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
