package session

import "sync"

// ResizeCoordinator decides when a surface geometry notification becomes a
// backend resize. The first notification after spawn reports the geometry
// already sent with the spawn request and is discarded.
type ResizeCoordinator struct {
	mu            sync.Mutex
	suppressFirst bool
	sent          Size
}

// NewResizeCoordinator starts from the size that was sent at spawn.
func NewResizeCoordinator(spawned Size) *ResizeCoordinator {
	return &ResizeCoordinator{
		suppressFirst: true,
		sent:          spawned,
	}
}

// Next handles one notification. It re-measures through measure and returns
// the size to send, or false when nothing should be sent.
func (r *ResizeCoordinator) Next(measure func() (Size, error)) (Size, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.suppressFirst {
		r.suppressFirst = false
		return Size{}, false, nil
	}

	size, err := measure()
	if err != nil {
		return Size{}, false, err
	}
	if !size.Valid() || size == r.sent {
		return Size{}, false, nil
	}
	return size, true, nil
}

// Commit records a size the backend accepted.
func (r *ResizeCoordinator) Commit(size Size) {
	r.mu.Lock()
	r.sent = size
	r.mu.Unlock()
}

// Sent returns the last size the backend accepted.
func (r *ResizeCoordinator) Sent() Size {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}
