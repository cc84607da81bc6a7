package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyAll(t *testing.T) {
	n := New()
	a := n.Subscribe()
	b := n.Subscribe()
	assert.Equal(t, 2, n.Subscribers())

	n.NotifyAll()
	n.NotifyAll() // coalesced, must not block

	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
	<-a
	<-b
}

func TestUnsubscribe(t *testing.T) {
	n := New()
	ch := n.Subscribe()
	n.Unsubscribe(ch)
	n.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, n.Subscribers())

	n.NotifyAll()
}
