package regionio

import (
	"errors"
	"fmt"
)

// Kind is the type of payload stored for a chunk. Each kind is saved and
// loaded independently.
type Kind uint8

const (
	KindChunk Kind = iota
	KindEntity
	KindPOI
)

// Kinds lists every payload kind in storage order.
var Kinds = [...]Kind{KindChunk, KindEntity, KindPOI}

var kindNames = [...]string{"chunk", "entity", "poi"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("regionio: unknown kind %q", s)
}

var (
	// ErrQueueFull is returned by ScheduleSave when the async writer cannot
	// accept more work. Callers fall back to SaveNow.
	ErrQueueFull = errors.New("regionio: save queue full")
	ErrCorrupt   = errors.New("regionio: corrupt payload")
	ErrClosed    = errors.New("regionio: store closed")
)
