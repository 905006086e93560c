package crdt

import (
	"slices"
	"strings"
)

type element struct {
	id      ID
	origin  ID
	value   rune
	deleted bool
}

// sequence is an RGA: elements are kept in document order and concurrent inserts after the
// same origin are ordered by descending ID.
type sequence struct {
	elements []*element
	byID     map[ID]*element
	cursor   int
}

func newSequence() *sequence {
	return &sequence{byID: make(map[ID]*element)}
}

func (s *sequence) has(id ID) bool {
	_, ok := s.byID[id]
	return ok
}

// position locates id, checking the element before the last splice first. Sequential typing
// and snapshot restore chain each run onto the previous one, so the hint usually hits.
func (s *sequence) position(id ID) int {
	if hint := s.cursor - 1; hint >= 0 && hint < len(s.elements) && s.elements[hint].id == id {
		return hint
	}
	for index, candidate := range s.elements {
		if candidate.id == id {
			return index
		}
	}
	return -1
}

// placement returns the index where id belongs when inserted after origin. Callers guarantee
// the origin is present.
func (s *sequence) placement(id ID, origin ID) int {
	position := 0
	if !origin.IsZero() {
		position = s.position(origin) + 1
	}
	for position < len(s.elements) && id.Less(s.elements[position].id) {
		position++
	}
	return position
}

func (s *sequence) splice(position int, batch []*element) {
	s.elements = slices.Insert(s.elements, position, batch...)
	for _, inserted := range batch {
		s.byID[inserted.id] = inserted
	}
	s.cursor = position + len(batch)
}

// insertRun integrates the runes of op. Each rune's origin is the rune before it, and the
// element following a freshly placed rune always has a smaller ID, so every stretch of
// unseen runes lands contiguously and is spliced in with one copy.
func (s *sequence) insertRun(op Op) bool {
	runes := []rune(op.Text)
	changed := false
	origin := op.Origin
	for start := 0; start < len(runes); {
		first := op.ID.offset(uint64(start))
		if s.has(first) {
			origin = first
			start++
			continue
		}
		batch := make([]*element, 0, len(runes)-start)
		position := s.placement(first, origin)
		for index := start; index < len(runes); index++ {
			id := op.ID.offset(uint64(index))
			if s.has(id) {
				break
			}
			batch = append(batch, &element{id: id, origin: origin, value: runes[index]})
			origin = id
		}
		s.splice(position, batch)
		start += len(batch)
		changed = true
	}
	return changed
}

func (s *sequence) deleteRun(op Op) bool {
	changed := false
	for offset := uint64(0); offset < op.Length; offset++ {
		target, ok := s.byID[op.Target.offset(offset)]
		if !ok || target.deleted {
			continue
		}
		target.deleted = true
		changed = true
	}
	return changed
}

func (s *sequence) text() string {
	var builder strings.Builder
	for _, candidate := range s.elements {
		if candidate.deleted {
			continue
		}
		builder.WriteRune(candidate.value)
	}
	return builder.String()
}

// encode emits insert runs in document order followed by delete runs for tombstones.
func (s *sequence) encode(root string) []Op {
	ops := make([]Op, 0)
	var run *Op
	var runEnd ID
	var builder strings.Builder
	flush := func() {
		if run == nil {
			return
		}
		run.Text = builder.String()
		ops = append(ops, *run)
		run = nil
		builder.Reset()
	}
	for _, candidate := range s.elements {
		extends := run != nil &&
			candidate.origin == runEnd &&
			candidate.id.Client == runEnd.Client &&
			candidate.id.Clock == runEnd.Clock+1
		if !extends {
			flush()
			run = &Op{Kind: OpInsert, Root: root, ID: candidate.id, Origin: candidate.origin}
		}
		builder.WriteRune(candidate.value)
		runEnd = candidate.id
	}
	flush()

	var deletion *Op
	for _, candidate := range s.elements {
		if !candidate.deleted {
			if deletion != nil {
				ops = append(ops, *deletion)
				deletion = nil
			}
			continue
		}
		if deletion != nil &&
			deletion.Target.Client == candidate.id.Client &&
			deletion.Target.Clock+deletion.Length == candidate.id.Clock {
			deletion.Length++
			continue
		}
		if deletion != nil {
			ops = append(ops, *deletion)
		}
		deletion = &Op{Kind: OpDelete, Root: root, Target: candidate.id, Length: 1}
	}
	if deletion != nil {
		ops = append(ops, *deletion)
	}
	return ops
}
