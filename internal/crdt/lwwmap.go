package crdt

import "sort"

type register struct {
	id      ID
	value   string
	deleted bool
}

// lwwMap resolves concurrent writes to the same key by keeping the write with the greater ID.
type lwwMap struct {
	entries map[string]*register
}

func newLWWMap() *lwwMap {
	return &lwwMap{entries: make(map[string]*register)}
}

func (m *lwwMap) write(op Op) bool {
	current, ok := m.entries[op.Key]
	if ok && !current.id.Less(op.ID) {
		return false
	}
	m.entries[op.Key] = &register{
		id:      op.ID,
		value:   op.Value,
		deleted: op.Kind == OpMapDelete,
	}
	return true
}

func (m *lwwMap) fields() map[string]string {
	fields := make(map[string]string, len(m.entries))
	for key, entry := range m.entries {
		if entry.deleted {
			continue
		}
		fields[key] = entry.value
	}
	return fields
}

func (m *lwwMap) encode(root string) []Op {
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	ops := make([]Op, 0, len(keys))
	for _, key := range keys {
		entry := m.entries[key]
		kind := OpMapSet
		if entry.deleted {
			kind = OpMapDelete
		}
		ops = append(ops, Op{Kind: kind, Root: root, ID: entry.id, Key: key, Value: entry.value})
	}
	return ops
}
