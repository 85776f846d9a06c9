package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyAll(t *testing.T) {
	n := New()
	a := n.Subscribe()
	b := n.Subscribe()
	assert.Equal(t, 2, n.Len())

	// the second signal coalesces into the first
	n.NotifyAll()
	n.NotifyAll()

	for _, ch := range []chan struct{}{a, b} {
		select {
		case <-ch:
		default:
			t.Fatal("expected a pending signal")
		}
		select {
		case <-ch:
			t.Fatal("signals should coalesce")
		default:
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	n := New()
	ch := n.Subscribe()
	n.Unsubscribe(ch)
	assert.Equal(t, 0, n.Len())

	_, open := <-ch
	assert.False(t, open)

	assert.NotPanics(t, func() { n.Unsubscribe(ch) })
	assert.NotPanics(t, n.NotifyAll)
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.NotPanics(t, n.NotifyAll)
}
