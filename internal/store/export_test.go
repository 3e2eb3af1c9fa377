package store

// corrupt overwrites the stored payload of c with raw bytes, bumping its
// version.
func (m *Memory) corrupt(c Collection, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[c] = entry{payload: raw, version: m.data[c].version + 1}
}
