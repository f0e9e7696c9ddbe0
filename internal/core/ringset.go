package core

// RingSet is a fixed-capacity insertion-ordered id set with FIFO eviction.
// It backs the processed-fill and stop-loss-fired bookkeeping where the
// requirement is bounded memory and at-most-once reactions. Not safe for
// concurrent use; callers hold the engine mutex.
type RingSet struct {
	capacity int
	order    []int64
	members  map[int64]struct{}
}

// NewRingSet returns a ring set holding at most capacity ids
func NewRingSet(capacity int) *RingSet {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingSet{
		capacity: capacity,
		order:    make([]int64, 0, capacity),
		members:  make(map[int64]struct{}, capacity),
	}
}

// Add inserts id, evicting the oldest entry when full. Returns false if the
// id was already present.
func (r *RingSet) Add(id int64) bool {
	if _, ok := r.members[id]; ok {
		return false
	}
	if len(r.order) >= r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.members, oldest)
	}
	r.order = append(r.order, id)
	r.members[id] = struct{}{}
	return true
}

// Contains reports membership
func (r *RingSet) Contains(id int64) bool {
	_, ok := r.members[id]
	return ok
}

// Remove drops id if present
func (r *RingSet) Remove(id int64) {
	if _, ok := r.members[id]; !ok {
		return
	}
	delete(r.members, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len returns the current member count
func (r *RingSet) Len() int {
	return len(r.order)
}

// Clear empties the set keeping capacity
func (r *RingSet) Clear() {
	r.order = r.order[:0]
	r.members = make(map[int64]struct{}, r.capacity)
}
