package propagator

import "sync"

// updateQueue orders pending section updates. A node is claimed by one
// updater at a time, and nodes whose sections lie within intersectRadius of
// a node being updated ahead of them are left for later so that their lock
// ranges never contend out of order.
type updateQueue struct {
	mu              sync.Mutex
	nodes           []*updateNode
	lastOrder       uint64
	intersectRadius int32
}

type updateNode struct {
	order  uint64
	sx, sz int32

	// guarded by updateQueue.mu; a nil section marks a finished node
	section  *section
	updating bool
	done     chan struct{}
}

func (n *updateNode) intersects(o *updateNode, radius int32) bool {
	dx, dz := n.sx-o.sx, n.sz-o.sz
	if dx < 0 {
		dx = -dx
	}
	if dz < 0 {
		dz = -dz
	}
	return max(dx, dz) <= radius
}

func (q *updateQueue) append(s *section) {
	q.mu.Lock()
	q.lastOrder++
	q.nodes = append(q.nodes, &updateNode{
		order: q.lastOrder, sx: s.x, sz: s.z, section: s, done: make(chan struct{}),
	})
	q.mu.Unlock()
}

// trimLocked drops finished nodes from the head.
func (q *updateQueue) trimLocked() {
	i := 0
	for i < len(q.nodes) && q.nodes[i].section == nil {
		q.nodes[i] = nil
		i++
	}
	if i > 0 {
		q.nodes = q.nodes[i:]
	}
}

func (q *updateQueue) isEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.trimLocked()
	return len(q.nodes) == 0
}

func (q *updateQueue) getLastOrder() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastOrder
}

func (q *updateQueue) hasRemainingUpdates(maxOrder uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.trimLocked()
	return len(q.nodes) > 0 && q.nodes[0].order <= maxOrder
}

// acquireNextOrWait claims the first runnable node with order <= maxOrder.
// If every candidate is blocked it waits for the first blocking node to
// finish and returns nil.
func (q *updateQueue) acquireNextOrWait(maxOrder uint64) (*updateNode, *section) {
	q.mu.Lock()
	var blocking []*updateNode
search:
	for _, n := range q.nodes {
		if n.order > maxOrder {
			break
		}
		if n.section == nil {
			continue
		}
		if n.updating {
			blocking = append(blocking, n)
			continue
		}
		for _, b := range blocking {
			if b.intersects(n, q.intersectRadius) {
				continue search
			}
		}
		n.updating = true
		s := n.section
		q.mu.Unlock()
		return n, s
	}
	var wait chan struct{}
	if len(blocking) > 0 {
		wait = blocking[0].done
	}
	q.mu.Unlock()
	if wait != nil {
		<-wait
	}
	return nil, nil
}

func (q *updateQueue) remove(n *updateNode) {
	q.mu.Lock()
	if n.section != nil {
		n.section = nil
		close(n.done)
	}
	q.trimLocked()
	q.mu.Unlock()
}
