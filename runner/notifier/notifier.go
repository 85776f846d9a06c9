// Package notifier wakes up stream handlers when new events are stored.
package notifier

import "sync"

// Notifier fans a "new data available" signal out to every subscriber.
// Signals coalesce: each subscriber holds at most one pending wakeup, and
// a wakeup means "go and look", not "exactly one new row".
type Notifier struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func New() Notifier {
	return Notifier{subs: map[chan struct{}]struct{}{}}
}

// Subscribe returns a channel that receives a value after each NotifyAll.
func (n *Notifier) Subscribe() chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{}, 1)
	n.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (n *Notifier) Unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[ch]; !ok {
		return
	}
	delete(n.subs, ch)
	close(ch)
}

func (n *Notifier) NotifyAll() {
	if n == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		// already has a pending wakeup
		if len(ch) > 0 {
			continue
		}
		ch <- struct{}{}
	}
}

func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
