// Package status defines the generation stages a chunk moves through, the
// neighbourhood each stage reads, and the mapping between ticket levels,
// stages and full-chunk readiness.
package status

import (
	"fmt"
	"strings"
)

// Stage is a step of the generation pipeline. Stages only move forward.
type Stage int8

const (
	None Stage = iota - 1
	Empty
	StructureStarts
	StructureReferences
	Biomes
	Noise
	Surface
	Carvers
	Features
	InitializeLight
	Light
	Spawn
	Full
)

// StageCount is the number of real stages, Empty through Full.
const StageCount = int(Full) + 1

// Requirement asks that every chunk within Radius has reached Stage.
type Requirement struct {
	Stage  Stage
	Radius int
}

type stageInfo struct {
	name         string
	parallel     bool
	emptyWork    bool
	writeRadius  int
	requirements []Requirement
}

var stages = [StageCount]stageInfo{
	Empty:               {name: "empty", parallel: true, emptyWork: true},
	StructureStarts:     {name: "structure_starts", parallel: true},
	StructureReferences: {name: "structure_references", parallel: true, requirements: []Requirement{{StructureStarts, 2}}},
	Biomes:              {name: "biomes", parallel: true, requirements: []Requirement{{StructureStarts, 2}}},
	Noise:               {name: "noise", parallel: true, requirements: []Requirement{{StructureStarts, 2}, {Biomes, 1}}},
	Surface:             {name: "surface", parallel: true, requirements: []Requirement{{StructureStarts, 2}, {Biomes, 1}}},
	Carvers:             {name: "carvers", parallel: true, requirements: []Requirement{{StructureStarts, 2}}},
	Features:            {name: "features", writeRadius: 1, requirements: []Requirement{{StructureStarts, 2}, {Carvers, 1}}},
	InitializeLight:     {name: "initialize_light", parallel: true, emptyWork: true},
	Light:               {name: "light", writeRadius: 2, requirements: []Requirement{{InitializeLight, 1}}},
	Spawn:               {name: "spawn", requirements: []Requirement{{Biomes, 1}}},
	Full:                {name: "full"},
}

func (s Stage) Valid() bool { return s >= Empty && s <= Full }

func (s Stage) String() string {
	if s == None {
		return "none"
	}
	if s.Valid() {
		return stages[s].name
	}
	return fmt.Sprintf("Stage(%d)", int8(s))
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseStage(name string) (Stage, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "none" {
		return None, nil
	}
	for i, info := range stages {
		if info.name == name {
			return Stage(i), nil
		}
	}
	return None, fmt.Errorf("status: unknown stage %q", name)
}

func (s Stage) IsOrAfter(o Stage) bool { return s >= o }

// Next returns the following stage; Full has none.
func (s Stage) Next() Stage {
	if s >= Full {
		return Full
	}
	return s + 1
}

func (s Stage) Prev() Stage {
	if s <= Empty {
		return None
	}
	return s - 1
}

// Parallel reports whether tasks for the stage may run for any two chunks
// at once. Stages that write into neighbours run on the radius-aware
// executor instead; Full runs on the tick goroutine.
func (s Stage) Parallel() bool { return s.Valid() && stages[s].parallel }

// WriteRadius is the footprint a non-parallel stage declares.
func (s Stage) WriteRadius() int {
	if !s.Valid() {
		return 0
	}
	return stages[s].writeRadius
}

// EmptyWork reports whether the stage only advances the recorded stage.
func (s Stage) EmptyWork() bool { return s.Valid() && stages[s].emptyWork }

func (s Stage) Requirements() []Requirement {
	if !s.Valid() {
		return nil
	}
	return stages[s].requirements
}

// ReadRadius is the widest neighbourhood the step into s reads.
func (s Stage) ReadRadius() int {
	r := 0
	for _, req := range s.Requirements() {
		r = max(r, req.Radius)
	}
	return r
}

// DirectRequirement returns the stage a neighbour at distance d must have
// reached before s can be computed, or None.
func (s Stage) DirectRequirement(d int) Stage {
	if d == 0 {
		return s.Prev()
	}
	need := None
	for _, req := range s.Requirements() {
		if req.Radius >= d && req.Stage > need {
			need = req.Stage
		}
	}
	return need
}

// maxDistance bounds the closure tables; no stage reaches further.
const maxDistance = 16

var (
	needTable    [StageCount][maxDistance + 1]Stage
	accessRadius [StageCount]int
)

func init() {
	for s := Empty; s <= Full; s++ {
		for d := 0; d <= maxDistance; d++ {
			needTable[s][d] = computeNeed(s, d)
		}
		ar := 0
		for d := 0; d <= maxDistance; d++ {
			if needTable[s][d] != None {
				ar = d
			}
		}
		accessRadius[s] = ar
	}
}

func computeNeed(s Stage, d int) Stage {
	if s == None {
		return None
	}
	if d == 0 {
		return s
	}
	best := None
	if s > Empty {
		best = needTable[s-1][d]
	}
	for _, req := range stages[s].requirements {
		if v := Need(req.Stage, d-min(req.Radius, d)); v > best {
			best = v
		}
	}
	return best
}

// Need returns the stage a chunk at distance d from a chunk at stage s must
// have reached, transitively over every requirement.
func Need(s Stage, d int) Stage {
	if !s.Valid() || d < 0 || d > maxDistance {
		return None
	}
	return needTable[s][d]
}

// AccessRadius is the largest distance at which computing s depends on
// another chunk's stage.
func AccessRadius(s Stage) int {
	if !s.Valid() {
		return 0
	}
	return accessRadius[s]
}
