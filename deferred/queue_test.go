package deferred

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-dm/internal/interfaces"
)

func TestQueue_PushDetachIsLIFO(t *testing.T) {
	var q Queue

	reqs := []*interfaces.Request{{RSector: 1}, {RSector: 2}, {RSector: 3}}
	for _, r := range reqs {
		q.Push(r, interfaces.Read)
	}
	require.Equal(t, 3, q.Len())

	head := q.Detach()
	require.Equal(t, 0, q.Len(), "detach must empty the queue")

	var order []uint64
	for item := head; item != nil; item = item.Next() {
		order = append(order, item.Req.RSector)
	}
	require.Equal(t, []uint64{3, 2, 1}, order)
}

func TestQueue_DetachEmpty(t *testing.T) {
	var q Queue
	require.Nil(t, q.Detach())
	require.Equal(t, 0, q.Len())
}
