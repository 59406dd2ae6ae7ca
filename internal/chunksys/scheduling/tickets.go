package scheduling

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"voxelcraft.ai/chunksys/internal/chunksys/status"
)

// TicketType names a reason for keeping chunks loaded. Timeout is the
// number of ticks a ticket of the type lives; 0 means it never expires.
type TicketType struct {
	Name    string
	Timeout int64
}

func (t *TicketType) String() string { return t.Name }

var (
	// TicketChunkLoad holds a chunk while a load request is outstanding.
	TicketChunkLoad = &TicketType{Name: "chunk_load"}
	// TicketSyncLoad holds a chunk for a blocking SyncLoad.
	TicketSyncLoad = &TicketType{Name: "sync_load"}
)

const noTimeout = math.MinInt64

type Ticket struct {
	Type  *TicketType
	Level int
	ID    int64

	removeDelay int64
}

func (t Ticket) String() string {
	return fmt.Sprintf("Ticket{type=%s, level=%d, id=%d}", t.Type.Name, t.Level, t.ID)
}

func (t Ticket) expires() bool { return t.removeDelay != noTimeout }

func compareTickets(a, b Ticket) int {
	if c := cmp.Compare(a.Level, b.Level); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Type.Name, b.Type.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// ticketSet is one coordinate's tickets ordered by level, type and id.
// Guarded by the ticket lock covering the coordinate.
type ticketSet struct {
	tickets []Ticket
}

func (s *ticketSet) level() int {
	if len(s.tickets) == 0 {
		return status.MaxLevel + 1
	}
	return s.tickets[0].Level
}

// replace inserts t, replacing an equal ticket. It returns the replaced
// ticket if there was one.
func (s *ticketSet) replace(t Ticket) (Ticket, bool) {
	i, found := slices.BinarySearchFunc(s.tickets, t, compareTickets)
	if found {
		old := s.tickets[i]
		s.tickets[i] = t
		return old, true
	}
	s.tickets = slices.Insert(s.tickets, i, t)
	return Ticket{}, false
}

func (s *ticketSet) remove(key Ticket) (Ticket, bool) {
	i, found := slices.BinarySearchFunc(s.tickets, key, compareTickets)
	if !found {
		return Ticket{}, false
	}
	old := s.tickets[i]
	s.tickets = slices.Delete(s.tickets, i, i+1)
	return old, true
}

// expire decrements every timed ticket and drops those reaching zero. It
// returns the number removed.
func (s *ticketSet) expire() int {
	before := len(s.tickets)
	s.tickets = slices.DeleteFunc(s.tickets, func(t Ticket) bool {
		if !t.expires() {
			return false
		}
		return t.removeDelay <= 1
	})
	for i := range s.tickets {
		if s.tickets[i].expires() {
			s.tickets[i].removeDelay--
		}
	}
	return before - len(s.tickets)
}

func (s *ticketSet) snapshot() []Ticket { return slices.Clone(s.tickets) }

// TicketOpKind selects what a TicketOp does.
type TicketOpKind uint8

const (
	OpAdd TicketOpKind = iota
	OpRemove
	OpAddIfRemoved
	OpAddAndRemove
)

// TicketOp is one operation of a PerformTicketOps batch. Second is the
// ticket removed by OpAddIfRemoved and OpAddAndRemove.
type TicketOp struct {
	Kind   TicketOpKind
	X, Z   int32
	Ticket Ticket
	Second Ticket
}

func AddOp(x, z int32, typ *TicketType, level int, id int64) TicketOp {
	return TicketOp{Kind: OpAdd, X: x, Z: z, Ticket: Ticket{Type: typ, Level: level, ID: id}}
}

func RemoveOp(x, z int32, typ *TicketType, level int, id int64) TicketOp {
	return TicketOp{Kind: OpRemove, X: x, Z: z, Ticket: Ticket{Type: typ, Level: level, ID: id}}
}
