package storage

import (
	"sync"

	"github.com/branchfs/branchfs/errors"
	"github.com/branchfs/branchfs/log"
	"github.com/branchfs/branchfs/path"
)

// copyChunkSize bounds how much of a file Copy transfers per Read
// call to the source StorageOp (§4.4: "bounded-size chunks").
const copyChunkSize = 1 << 20 // 1 MiB

// MemStore is a reference, non-persistent implementation of
// StorageOp and CommandOp: a single mutex-guarded map standing in
// for a local filesystem region, used by the naming server's test
// suite and by the cmd/storageserver reference binary. §1 places the
// storage server's real local file I/O out of scope; this exists so
// the naming server's protocol has something concrete to drive.
type MemStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

var (
	_ StorageOp = (*MemStore)(nil)
	_ CommandOp = (*MemStore)(nil)
)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{files: make(map[string][]byte)}
}

// Paths returns the paths currently stored, for use by a storage
// server's startup registration walk.
func (m *MemStore) Paths() []path.Path {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]path.Path, 0, len(m.files))
	for k := range m.files {
		p, err := path.Parse(k)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Seed installs data at p without going through Create/Write, for
// test setup that wants a storage server pre-populated before the
// naming server registers it.
func (m *MemStore) Seed(p path.Path, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p.String()] = append([]byte(nil), data...)
}

func (m *MemStore) Size(p path.Path) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p.String()]
	if !ok {
		return 0, errors.E("StorageOp.Size", p.String(), errors.NotFound)
	}
	return int64(len(data)), nil
}

func (m *MemStore) Read(p path.Path, offset int64, length int) ([]byte, error) {
	const op = "StorageOp.Read"
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p.String()]
	if !ok {
		return nil, errors.E(op, p.String(), errors.NotFound)
	}
	if offset < 0 || length < 0 || offset > int64(len(data)) || offset+int64(length) > int64(len(data)) {
		return nil, errors.E(op, p.String(), errors.ArgumentInvalid, errors.Str("offset/length out of range"))
	}
	out := make([]byte, length)
	copy(out, data[offset:offset+int64(length)])
	return out, nil
}

func (m *MemStore) Write(p path.Path, offset int64, data []byte) error {
	const op = "StorageOp.Write"
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.files[p.String()]
	if !ok {
		return errors.E(op, p.String(), errors.NotFound)
	}
	if offset < 0 {
		return errors.E(op, p.String(), errors.ArgumentInvalid, errors.Str("negative offset"))
	}
	end := offset + int64(len(data))
	if end > int64(len(existing)) {
		grown := make([]byte, end)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:end], data)
	m.files[p.String()] = existing
	return nil
}

func (m *MemStore) Create(p path.Path) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.String()
	if _, ok := m.files[key]; ok {
		return false, nil
	}
	m.files[key] = []byte{}
	return true, nil
}

func (m *MemStore) Delete(p path.Path) error {
	m.mu.Lock()
	deleted := false
	prefix := p.String()
	for k := range m.files {
		if k == prefix || (len(k) > len(prefix) && k[:len(prefix)] == prefix && k[len(prefix)] == '/') {
			delete(m.files, k)
			deleted = true
		}
	}
	m.mu.Unlock()
	if !deleted {
		return errors.E("CommandOp.Delete", p.String(), errors.NotFound)
	}
	return nil
}

// Copy fetches p in bounded-size chunks from source's StorageOp and
// writes it locally, creating the local entry first.
func (m *MemStore) Copy(p path.Path, source Endpoint) error {
	const op = "CommandOp.Copy"
	src := OpProxy{source}
	size, err := src.Size(p)
	if err != nil {
		log.Error("copy: source size failed", log.Fields{"path": p.String(), "error": err})
		return errors.E(op, p.String(), err)
	}

	m.mu.Lock()
	m.files[p.String()] = make([]byte, 0, size)
	m.mu.Unlock()

	var offset int64
	for offset < size {
		length := copyChunkSize
		if remaining := size - offset; remaining < int64(length) {
			length = int(remaining)
		}
		chunk, err := src.Read(p, offset, length)
		if err != nil {
			log.Error("copy: source read failed", log.Fields{"path": p.String(), "error": err})
			return errors.E(op, p.String(), err)
		}
		if err := m.Write(p, offset, chunk); err != nil {
			return errors.E(op, p.String(), err)
		}
		offset += int64(len(chunk))
	}
	return nil
}
