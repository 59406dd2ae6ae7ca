package status

import "fmt"

// FullStatus is the readiness tier of a chunk that reached Full, derived from
// how far around it every chunk is also Full.
type FullStatus int8

const (
	Inaccessible FullStatus = iota
	FullBorder
	BlockTicking
	EntityTicking
)

var fullStatusNames = [...]string{"inaccessible", "full", "block_ticking", "entity_ticking"}

func (f FullStatus) String() string {
	if f >= Inaccessible && f <= EntityTicking {
		return fullStatusNames[f]
	}
	return fmt.Sprintf("FullStatus(%d)", int8(f))
}

func (f FullStatus) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *FullStatus) UnmarshalText(b []byte) error {
	for i, n := range fullStatusNames {
		if n == string(b) {
			*f = FullStatus(i)
			return nil
		}
	}
	return fmt.Errorf("status: unknown full status %q", b)
}

func (f FullStatus) IsOrAfter(o FullStatus) bool { return f >= o }

// Ticket levels. Lower levels keep more of a chunk loaded.
const (
	FullLevel          = 33
	BlockTickingLevel  = FullLevel - 1
	EntityTickingLevel = FullLevel - 2
)

// MaxLevel is the highest level at which a chunk is loaded at all.
var MaxLevel = FullLevel + AccessRadius(Full)

// MaxTicketLevel is the highest level a ticket may be added at.
func MaxTicketLevel() int { return MaxLevel }

// FullStatusAccessRadius is the stage access radius needed to keep a chunk at
// the given readiness.
func FullStatusAccessRadius(f FullStatus) int {
	if f <= Inaccessible {
		return 0
	}
	return int(f) - 1 + AccessRadius(Full)
}

// MaxAccessRadius is the largest radius any scheduling operation reads.
func MaxAccessRadius() int { return FullStatusAccessRadius(EntityTicking) }

// MaxSchedulingRadius also covers the neighbours of the neighbours a
// generation task marks as in use.
func MaxSchedulingRadius() int { return 2 * MaxAccessRadius() }

func FullStatusForLevel(level int) FullStatus {
	switch {
	case level <= EntityTickingLevel:
		return EntityTicking
	case level <= BlockTickingLevel:
		return BlockTicking
	case level <= FullLevel:
		return FullBorder
	default:
		return Inaccessible
	}
}

// StageForLevel returns the highest stage a ticket level keeps generated.
func StageForLevel(level int) Stage {
	if level <= FullLevel {
		return Full
	}
	return Need(Full, level-FullLevel)
}

// LevelForStage returns the ticket level needed to reach s.
func LevelForStage(s Stage) int {
	if s == Full {
		return FullLevel
	}
	for d := 1; d <= AccessRadius(Full); d++ {
		if Need(Full, d) == s {
			return FullLevel + d
		}
	}
	// stages skipped by the Full pyramid: the nearest level that reaches them
	for d := AccessRadius(Full); d >= 1; d-- {
		if Need(Full, d) >= s {
			return FullLevel + d
		}
	}
	return FullLevel
}

// LevelForFullStatus returns the ticket level needed for readiness f.
func LevelForFullStatus(f FullStatus) int {
	switch f {
	case EntityTicking:
		return EntityTickingLevel
	case BlockTicking:
		return BlockTickingLevel
	default:
		return FullLevel
	}
}

// IsUnloaded reports whether a ticket level holds nothing.
func IsUnloaded(level int) bool { return level > MaxLevel }

// ConvertLevel maps ticket levels to propagator levels and back.
func ConvertLevel(level int) int { return MaxLevel - level + 1 }
