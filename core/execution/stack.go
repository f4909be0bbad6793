package execution

import (
	"errors"

	"meridian/core/types"
)

// ErrStackOverflow is returned when execution nests deeper than the
// configured call-stack bound.
var ErrStackOverflow = errors.New("execution: runtime stack overflow")

// RuntimeStack tracks the chain of entities currently executing. Its depth
// is bounded so reentrant contract graphs cannot recurse without limit.
type RuntimeStack struct {
	frames []types.HashAddr
	max    uint64
}

func NewRuntimeStack(max uint64) *RuntimeStack {
	return &RuntimeStack{max: max}
}

func (s *RuntimeStack) Push(entity types.HashAddr) error {
	if uint64(len(s.frames)) >= s.max {
		return ErrStackOverflow
	}
	s.frames = append(s.frames, entity)
	return nil
}

func (s *RuntimeStack) Pop() {
	if len(s.frames) == 0 {
		panic("execution: pop of empty runtime stack")
	}
	s.frames = s.frames[:len(s.frames)-1]
}

func (s *RuntimeStack) Depth() int {
	return len(s.frames)
}

// Current returns the entity on top of the stack.
func (s *RuntimeStack) Current() (types.HashAddr, bool) {
	if len(s.frames) == 0 {
		return types.HashAddr{}, false
	}
	return s.frames[len(s.frames)-1], true
}
