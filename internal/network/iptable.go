package network

import "sync"

// IPTable counts live sessions per peer IP and enforces MaxIpConnection.
// Check and Insert are separate calls, so two simultaneous accepts from
// one IP can exceed the cap by one.
type IPTable struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

// NewIPTable creates a table; max <= 0 means unlimited.
func NewIPTable(max int) *IPTable {
	return &IPTable{counts: make(map[string]int), max: max}
}

// Check reports whether another session from ip may be admitted.
func (t *IPTable) Check(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.max <= 0 {
		return true
	}
	return t.counts[ip] < t.max
}

// Insert records one more session from ip.
func (t *IPTable) Insert(ip string) {
	t.mu.Lock()
	t.counts[ip]++
	t.mu.Unlock()
}

// Remove records the end of one session from ip.
func (t *IPTable) Remove(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.counts[ip]
	if !ok {
		return
	}
	if n <= 1 {
		delete(t.counts, ip)
		return
	}
	t.counts[ip] = n - 1
}

// Count returns the number of live sessions from ip.
func (t *IPTable) Count(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[ip]
}

// Len returns the number of distinct IPs with live sessions.
func (t *IPTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
