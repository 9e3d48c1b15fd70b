package pipeline

import "fmt"

// Stage names a step of the run state machine.
type Stage string

const (
	StageIdle           Stage = "idle"
	StageAligningPrior  Stage = "aligning_prior"
	StageAligning       Stage = "aligning"
	StageFusing         Stage = "fusing"
	StageSuperResolving Stage = "super_resolving"
	StageRefining       Stage = "refining"
	StageComplete       Stage = "complete"
	StageFailed         Stage = "error"
)

// State is the run state. Each variant carries only what is meaningful
// for it; consumers switch on the concrete type.
type State interface {
	Stage() Stage
	isState()
}

type Idle struct{}

type AligningPrior struct {
	Frames int
}

type Aligning struct {
	Frame, Total int
}

type Fusing struct {
	Frame, Total int
}

type SuperResolving struct {
	Tile, Total int
}

type Refining struct {
	Tile, Total int
}

type Complete struct {
	Result *Result
}

type Failed struct {
	At     Stage
	Reason string
	Err    error
}

func (Idle) Stage() Stage           { return StageIdle }
func (AligningPrior) Stage() Stage  { return StageAligningPrior }
func (Aligning) Stage() Stage       { return StageAligning }
func (Fusing) Stage() Stage         { return StageFusing }
func (SuperResolving) Stage() Stage { return StageSuperResolving }
func (Refining) Stage() Stage       { return StageRefining }
func (Complete) Stage() Stage       { return StageComplete }
func (Failed) Stage() Stage         { return StageFailed }

func (Idle) isState()           {}
func (AligningPrior) isState()  {}
func (Aligning) isState()       {}
func (Fusing) isState()         {}
func (SuperResolving) isState() {}
func (Refining) isState()       {}
func (Complete) isState()       {}
func (Failed) isState()         {}

// Describe renders a state for progress messages.
func Describe(s State) string {
	switch v := s.(type) {
	case Idle:
		return "idle"
	case AligningPrior:
		return fmt.Sprintf("estimating motion prior for %d frames", v.Frames)
	case Aligning:
		return fmt.Sprintf("aligning frame %d/%d", v.Frame, v.Total)
	case Fusing:
		return fmt.Sprintf("fusing frame %d/%d", v.Frame, v.Total)
	case SuperResolving:
		return fmt.Sprintf("super-resolving tile %d/%d", v.Tile, v.Total)
	case Refining:
		return fmt.Sprintf("refining tile %d/%d", v.Tile, v.Total)
	case Complete:
		if v.Result != nil && v.Result.Fallback {
			return "complete (fallback)"
		}
		return "complete"
	case Failed:
		return fmt.Sprintf("failed during %s: %s", v.At, v.Reason)
	default:
		panic(fmt.Sprintf("unhandled state %T", s))
	}
}

// Terminal reports whether no further transitions follow.
func Terminal(s State) bool {
	switch s.(type) {
	case Complete, Failed:
		return true
	case Idle, AligningPrior, Aligning, Fusing, SuperResolving, Refining:
		return false
	default:
		panic(fmt.Sprintf("unhandled state %T", s))
	}
}
