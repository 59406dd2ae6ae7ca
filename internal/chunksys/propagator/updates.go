package propagator

// Updates is an insertion-ordered map from packed chunk key to propagator
// level, collecting the positions whose level changed during one pass.
type Updates struct {
	index   map[int64]int
	entries []updateEntry
	live    int
}

type updateEntry struct {
	key     int64
	level   uint8
	removed bool
}

func NewUpdates() *Updates {
	return &Updates{index: map[int64]int{}}
}

func (u *Updates) Len() int { return u.live }

// Put sets the level for key, keeping its position if already present.
func (u *Updates) Put(key int64, level uint8) {
	if i, ok := u.index[key]; ok {
		u.entries[i].level = level
		return
	}
	u.index[key] = len(u.entries)
	u.entries = append(u.entries, updateEntry{key: key, level: level})
	u.live++
}

// PutLast sets the level for key and moves it to the end.
func (u *Updates) PutLast(key int64, level uint8) {
	if i, ok := u.index[key]; ok {
		if i == len(u.entries)-1 {
			u.entries[i].level = level
			return
		}
		u.entries[i].removed = true
		u.live--
	}
	u.index[key] = len(u.entries)
	u.entries = append(u.entries, updateEntry{key: key, level: level})
	u.live++
}

func (u *Updates) Get(key int64) (uint8, bool) {
	i, ok := u.index[key]
	if !ok {
		return 0, false
	}
	return u.entries[i].level, true
}

// Delete removes key. It is safe to call from within Range.
func (u *Updates) Delete(key int64) {
	i, ok := u.index[key]
	if !ok {
		return
	}
	delete(u.index, key)
	u.entries[i].removed = true
	u.live--
}

// Range calls fn for each entry in order until fn returns false.
func (u *Updates) Range(fn func(key int64, level uint8) bool) {
	for i := 0; i < len(u.entries); i++ {
		e := u.entries[i]
		if e.removed {
			continue
		}
		if !fn(e.key, e.level) {
			return
		}
	}
}

// Keys returns the live keys in order.
func (u *Updates) Keys() []int64 {
	out := make([]int64, 0, u.live)
	u.Range(func(key int64, _ uint8) bool {
		out = append(out, key)
		return true
	})
	return out
}

func (u *Updates) Clear() {
	clear(u.index)
	u.entries = u.entries[:0]
	u.live = 0
}
