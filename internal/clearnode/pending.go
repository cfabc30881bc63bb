package clearnode

import (
	"encoding/json"
	"sync"
	"time"
)

type result struct {
	params json.RawMessage
	err    error
}

// pendingCall is one request awaiting its correlated response.
type pendingCall struct {
	id     uint64
	method string
	expect string
	link   *link
	done   chan result
	expire *time.Timer
}

// pendingTable tracks in-flight calls by request id. Each entry owns an
// expiry timer; whichever of response, expiry or transport failure removes
// the entry first delivers the single result.
type pendingTable struct {
	mu    sync.Mutex
	calls map[uint64]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[uint64]*pendingCall)}
}

// add registers a call. onExpire runs if no response arrives within timeout
// and the entry is still present.
func (t *pendingTable) add(id uint64, method, expect string, l *link, timeout time.Duration, onExpire func(*pendingCall)) *pendingCall {
	c := &pendingCall{id: id, method: method, expect: expect, link: l, done: make(chan result, 1)}
	t.mu.Lock()
	t.calls[id] = c
	c.expire = time.AfterFunc(timeout, func() {
		if t.remove(id) != nil {
			onExpire(c)
		}
	})
	t.mu.Unlock()
	return c
}

// remove deletes and returns the call for id, stopping its timer.
func (t *pendingTable) remove(id uint64) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	c.expire.Stop()
	return c
}

// takeOldest removes the lowest-id call expecting method.
func (t *pendingTable) takeOldest(method string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	var oldest *pendingCall
	for _, c := range t.calls {
		if c.expect != method {
			continue
		}
		if oldest == nil || c.id < oldest.id {
			oldest = c
		}
	}
	if oldest != nil {
		delete(t.calls, oldest.id)
		oldest.expire.Stop()
	}
	return oldest
}

// failLink rejects every call that was written to l. A nil l matches all.
func (t *pendingTable) failLink(l *link, err error) int {
	t.mu.Lock()
	var failed []*pendingCall
	for id, c := range t.calls {
		if l != nil && c.link != l {
			continue
		}
		delete(t.calls, id)
		c.expire.Stop()
		failed = append(failed, c)
	}
	t.mu.Unlock()

	for _, c := range failed {
		c.done <- result{err: err}
	}
	return len(failed)
}

// countLink reports how many calls written to l are still waiting.
func (t *pendingTable) countLink(l *link) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.link == l {
			n++
		}
	}
	return n
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
