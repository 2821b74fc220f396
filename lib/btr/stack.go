package btr

import "github.com/thebagchi/ctf-go/lib/ctfir"

// frame is one open compound field.
//
// Fields:
//
//	base: the compound type being walked
//	length: number of children (1 for a variant)
//	index: next child to visit, 0 <= index <= length
//	option: the selected option type, variants only
type frame struct {
	base   ctfir.CompoundType
	length int64
	index  int64
	option ctfir.FieldType
}

// stack of value-type frames. The backing array is reused across decodes.
type stack struct {
	frames []frame
}

func (s *stack) push(f frame) {
	s.frames = append(s.frames, f)
}

func (s *stack) pop() {
	s.frames[len(s.frames)-1] = frame{}
	s.frames = s.frames[:len(s.frames)-1]
}

// top returns the innermost frame. The pointer is invalidated by push.
func (s *stack) top() *frame {
	return &s.frames[len(s.frames)-1]
}

func (s *stack) size() int {
	return len(s.frames)
}

func (s *stack) empty() bool {
	return len(s.frames) == 0
}

func (s *stack) clear() {
	clear(s.frames)
	s.frames = s.frames[:0]
}
