// Package naming implements the directory tree at the heart of the
// naming server (§4.2, the "HashTree") and the two remote façades
// built on top of it, Service and Registration (§4.3). The tree is
// the only shared mutable state in the naming server; everything
// else in this package is orchestration around it.
package naming

import (
	"sort"
	"sync"

	"github.com/branchfs/branchfs/errors"
	"github.com/branchfs/branchfs/log"
	"github.com/branchfs/branchfs/path"
	"github.com/branchfs/branchfs/storage"
)

// DefaultReplicationThreshold is the number of shared (read) lock
// acquisitions of a single-replica file that trigger minting a new
// replica. spec.md leaves this "often enough" trigger as an
// implementation parameter; SPEC_FULL.md's Supplemented Features
// resolves it as this named, overridable constant rather than firing
// on every shared acquisition as the original Java source effectively
// did.
const DefaultReplicationThreshold = 20

type kind int

const (
	dirKind kind = iota
	fileKind
)

// node is one entry in the tree: a directory (owns children) or a
// file (owns an ordered replica list). Every node owns the
// reader/writer lock used by the path-locking protocol (§4.2.1);
// replMu is a separate, narrower lock guarding the bookkeeping that
// rides along with that protocol — the replica list, the read-load
// rotation counter, and the "read often enough" counter — exactly as
// §5 calls for R's own separate mutex and getStorage's "approximately
// round-robin" rotation guard.
type node struct {
	mu       sync.RWMutex
	kind     kind
	children map[string]*node // dirKind only

	replMu   sync.Mutex
	replicas []storage.Ref // fileKind only; len >= 1 while the node exists
	next     int           // fileKind only; rotation cursor for getStorage
	reads    int           // fileKind only; shared-acquisition counter
}

func newDirNode() *node {
	return &node{kind: dirKind, children: make(map[string]*node)}
}

func newFileNode(ref storage.Ref) *node {
	return &node{kind: fileKind, replicas: []storage.Ref{ref}}
}

// CommandDialer resolves a storage server's command endpoint into a
// usable CommandOp, so tests can substitute a fake without a real
// listener. A Tree built by NewTree dials storage.NewCommandProxy.
type CommandDialer func(addr string) storage.CommandOp

// Tree is the in-memory directory tree described by §3 and §4.2. The
// zero value is not usable; construct one with NewTree.
type Tree struct {
	root *node

	refsMu sync.Mutex
	refs   []storage.Ref // R, in registration order (§3)

	// ReplicationThreshold overrides DefaultReplicationThreshold.
	ReplicationThreshold int

	dial CommandDialer
}

// NewTree returns an empty Tree (a single directory root).
func NewTree() *Tree {
	return &Tree{
		root:                  newDirNode(),
		ReplicationThreshold:  DefaultReplicationThreshold,
		dial:                  func(addr string) storage.CommandOp { return storage.NewCommandProxy(addr) },
	}
}

// SetDialer overrides how the tree reaches a replica's CommandOp,
// for tests.
func (t *Tree) SetDialer(d CommandDialer) { t.dial = d }

// Refs returns a snapshot of R, the registered storage refs, in
// registration order.
func (t *Tree) Refs() []storage.Ref {
	t.refsMu.Lock()
	defer t.refsMu.Unlock()
	out := make([]storage.Ref, len(t.refs))
	copy(out, t.refs)
	return out
}

// heldLock is one entry of the stack of locks a single Lock call has
// acquired so far. Tracking this explicitly — instead of releasing
// an assumed-acquired ancestor chain unconditionally — is what keeps
// a failed Lock call from unlocking nodes it never locked (the bug
// SPEC_FULL.md's Supplemented Features note 6 calls out).
type heldLock struct {
	n         *node
	exclusive bool
}

func unwind(held []heldLock) {
	for i := len(held) - 1; i >= 0; i-- {
		h := held[i]
		if h.exclusive {
			h.n.mu.Unlock()
		} else {
			h.n.mu.RUnlock()
		}
	}
}

// acquire walks from root to p, taking a shared lock on every
// ancestor and a lock in mode exclusive on p itself (§4.2.1). On
// failure it returns exactly the locks it took, for the caller to
// unwind; it never claims to have released locks it did not acquire.
func (t *Tree) acquire(p path.Path, exclusive bool) ([]heldLock, *node, error) {
	if p.IsRoot() {
		if exclusive {
			t.root.mu.Lock()
		} else {
			t.root.mu.RLock()
		}
		return []heldLock{{t.root, exclusive}}, t.root, nil
	}

	held := make([]heldLock, 0, p.NElem()+1)
	cur := t.root
	cur.mu.RLock()
	held = append(held, heldLock{cur, false})

	for i := 0; i < p.NElem()-1; i++ {
		if cur.kind != dirKind {
			return held, nil, errors.E(p.String(), errors.NotFound)
		}
		child, ok := cur.children[p.Elem(i)]
		if !ok {
			return held, nil, errors.E(p.String(), errors.NotFound)
		}
		child.mu.RLock()
		held = append(held, heldLock{child, false})
		cur = child
	}

	if cur.kind != dirKind {
		return held, nil, errors.E(p.String(), errors.NotFound)
	}
	target, ok := cur.children[p.Last()]
	if !ok {
		return held, nil, errors.E(p.String(), errors.NotFound)
	}
	if exclusive {
		target.mu.Lock()
	} else {
		target.mu.RLock()
	}
	held = append(held, heldLock{target, exclusive})
	return held, target, nil
}

// Lock acquires path in the given mode (§4.2.1) and applies the
// replica-maintenance side effects tied to it: exclusive acquisition
// of a file invalidates every replica but the primary; shared
// acquisition may mint a new replica of a hot, single-copy file.
func (t *Tree) Lock(p path.Path, exclusive bool) error {
	const op = "naming.Tree.Lock"
	held, target, err := t.acquire(p, exclusive)
	if err != nil {
		unwind(held)
		return errors.E(op, err)
	}
	if target.kind == fileKind {
		t.applyReplicaPolicy(p, target, exclusive)
	}
	return nil
}

// Unlock releases exactly the locks the matching Lock(p, exclusive)
// call took, in exact reverse order. It must be called only after a
// successful Lock on the same path and mode; the tree's invariant
// that ancestor directories cannot be removed out from under a held
// shared lock is what makes it safe to re-walk rather than carry a
// session token.
func (t *Tree) Unlock(p path.Path, exclusive bool) error {
	const op = "naming.Tree.Unlock"
	if p.IsRoot() {
		if exclusive {
			t.root.mu.Unlock()
		} else {
			t.root.mu.RUnlock()
		}
		return nil
	}

	nodes := make([]*node, 0, p.NElem()+1)
	cur := t.root
	nodes = append(nodes, cur)
	for i := 0; i < p.NElem()-1; i++ {
		child, ok := cur.children[p.Elem(i)]
		if !ok {
			return errors.E(op, p.String(), errors.NotFound)
		}
		nodes = append(nodes, child)
		cur = child
	}
	target, ok := cur.children[p.Last()]
	if !ok {
		return errors.E(op, p.String(), errors.NotFound)
	}
	nodes = append(nodes, target)

	if exclusive {
		target.mu.Unlock()
	} else {
		target.mu.RUnlock()
	}
	for i := len(nodes) - 2; i >= 0; i-- {
		nodes[i].mu.RUnlock()
	}
	return nil
}

// resolve walks from root to p following child pointers with no
// locking of its own. Every caller must already hold whatever path
// lock the operation it is implementing requires — see the operation
// table in SPEC_FULL.md / spec.md §4.3.
func (t *Tree) resolve(p path.Path) (*node, error) {
	cur := t.root
	for i := 0; i < p.NElem(); i++ {
		if cur.kind != dirKind {
			return nil, errors.E(p.String(), errors.NotFound)
		}
		child, ok := cur.children[p.Elem(i)]
		if !ok {
			return nil, errors.E(p.String(), errors.NotFound)
		}
		cur = child
	}
	return cur, nil
}

// IsDirectory reports whether path names a directory. The caller
// must hold a shared (or exclusive) lock on path.
func (t *Tree) IsDirectory(p path.Path) (bool, error) {
	n, err := t.resolve(p)
	if err != nil {
		return false, errors.E("naming.Tree.IsDirectory", err)
	}
	return n.kind == dirKind, nil
}

// List returns the names of d's children. The caller must hold a
// shared lock on d.
func (t *Tree) List(d path.Path) ([]string, error) {
	const op = "naming.Tree.List"
	n, err := t.resolve(d)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if n.kind != dirKind {
		return nil, errors.E(op, d.String(), errors.NotFound)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CreateFile creates a file node at p with ref as its sole replica.
// p's parent must already exist and be a directory; the caller must
// hold an exclusive lock on p.parent.
func (t *Tree) CreateFile(p path.Path, ref storage.Ref) (bool, error) {
	const op = "naming.Tree.CreateFile"
	if p.IsRoot() {
		return false, errors.E(op, errors.ArgumentInvalid, errors.Str("cannot create root"))
	}
	parent, err := t.resolve(p.Parent())
	if err != nil {
		return false, errors.E(op, err)
	}
	if parent.kind != dirKind {
		return false, errors.E(op, p.String(), errors.NotFound)
	}
	name := p.Last()
	if _, exists := parent.children[name]; exists {
		return false, nil
	}
	parent.children[name] = newFileNode(ref)
	return true, nil
}

// RemoveChild removes the child node named by p from its parent, if
// it exists, without invalidating any replicas. It is used to roll
// back a CreateFile whose follow-up CommandOp.Create failed.
func (t *Tree) RemoveChild(p path.Path) {
	if p.IsRoot() {
		return
	}
	parent, err := t.resolve(p.Parent())
	if err != nil {
		return
	}
	delete(parent.children, p.Last())
}

// CreateDirectory creates a directory node at p. p's parent must
// already exist and be a directory; the caller must hold an exclusive
// lock on p.parent.
func (t *Tree) CreateDirectory(p path.Path) (bool, error) {
	const op = "naming.Tree.CreateDirectory"
	if p.IsRoot() {
		return false, errors.E(op, errors.ArgumentInvalid, errors.Str("cannot create root"))
	}
	parent, err := t.resolve(p.Parent())
	if err != nil {
		return false, errors.E(op, err)
	}
	if parent.kind != dirKind {
		return false, errors.E(op, p.String(), errors.NotFound)
	}
	name := p.Last()
	if _, exists := parent.children[name]; exists {
		return false, nil
	}
	parent.children[name] = newDirNode()
	return true, nil
}

// Delete removes the subtree at p (§4.2.2). The root is never
// deleted. The caller must hold an exclusive lock on p.parent.
func (t *Tree) Delete(p path.Path) (bool, error) {
	const op = "naming.Tree.Delete"
	if p.IsRoot() {
		return false, nil
	}
	parent, err := t.resolve(p.Parent())
	if err != nil {
		return false, errors.E(op, err)
	}
	if parent.kind != dirKind {
		return false, errors.E(op, p.String(), errors.NotFound)
	}
	name := p.Last()
	target, ok := parent.children[name]
	if !ok {
		return false, errors.E(op, p.String(), errors.NotFound)
	}

	for _, ref := range collectRefs(target) {
		t.bestEffortCommandDelete(ref, p)
	}
	delete(parent.children, name)
	return true, nil
}

// collectRefs returns every distinct storage.Ref appearing in n's
// subtree: n's own replicas if it is a file, or the union of every
// descendant file's replicas if it is a directory.
func collectRefs(n *node) []storage.Ref {
	seen := make(map[string]storage.Ref)
	var walk func(*node)
	walk = func(n *node) {
		if n.kind == fileKind {
			for _, r := range n.replicas {
				seen[r.Storage.Addr+"|"+r.Command.Addr] = r
			}
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(n)
	out := make([]storage.Ref, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	return out
}

func (t *Tree) bestEffortCommandDelete(ref storage.Ref, p path.Path) {
	cmd := t.dial(ref.Command.Addr)
	if err := cmd.Delete(p); err != nil {
		log.Error("best-effort replica invalidation failed", log.Fields{
			"path": p.String(), "server": ref.Command.Addr, "error": err,
		})
	}
}

// applyReplicaPolicy runs the side effects tied to acquiring path's
// lock in the given mode (§4.2.2): exclusive acquisition invalidates
// every replica but the primary, since the caller is about to write
// or delete through it; shared acquisition counts toward minting a
// new replica of a file that is read often but has only one copy.
func (t *Tree) applyReplicaPolicy(p path.Path, target *node, exclusive bool) {
	if exclusive {
		t.invalidateOtherReplicas(p, target)
		return
	}
	t.maybeReplicate(p, target)
}

// invalidateOtherReplicas truncates target's replica list to its
// primary (replicas[0]) and best-effort deletes the rest remotely.
func (t *Tree) invalidateOtherReplicas(p path.Path, target *node) {
	target.replMu.Lock()
	if len(target.replicas) <= 1 {
		target.reads = 0
		target.replMu.Unlock()
		return
	}
	primary := target.replicas[0]
	stale := target.replicas[1:]
	target.replicas = []storage.Ref{primary}
	target.next = 0
	target.reads = 0
	target.replMu.Unlock()

	for _, r := range stale {
		t.bestEffortCommandDelete(r, p)
	}
}

// maybeReplicate bumps target's read counter and, once it reaches
// ReplicationThreshold on a file that still has only one replica,
// mints a second one by having the first registered storage server
// other than the primary copy the file from the primary (§9's
// resolution of the replication-on-read Open Question).
func (t *Tree) maybeReplicate(p path.Path, target *node) {
	target.replMu.Lock()
	if len(target.replicas) != 1 {
		target.replMu.Unlock()
		return
	}
	target.reads++
	if target.reads < t.ReplicationThreshold {
		target.replMu.Unlock()
		return
	}
	target.reads = 0
	primary := target.replicas[0]
	target.replMu.Unlock()

	candidate, ok := t.pickUnusedRef(primary)
	if !ok {
		return
	}
	cmd := t.dial(candidate.Command.Addr)
	if err := cmd.Copy(p, primary.Storage); err != nil {
		log.Error("replication-on-read copy failed", log.Fields{
			"path": p.String(), "server": candidate.Command.Addr, "error": err,
		})
		return
	}

	target.replMu.Lock()
	already := false
	for _, r := range target.replicas {
		if r.Equal(candidate) {
			already = true
			break
		}
	}
	if !already {
		target.replicas = append(target.replicas, candidate)
	}
	target.replMu.Unlock()
}

// pickUnusedRef returns the first registered storage server that is
// not already primary, in registration order.
func (t *Tree) pickUnusedRef(primary storage.Ref) (storage.Ref, bool) {
	t.refsMu.Lock()
	defer t.refsMu.Unlock()
	for _, r := range t.refs {
		if !r.Equal(primary) {
			return r, true
		}
	}
	return storage.Ref{}, false
}

// GetStorage returns a replica of the file at p, rotating through its
// replica list on each call (§4.2.2). The caller must already hold a
// shared lock on p, acquired by a prior Lock call; GetStorage takes
// no lock of its own.
func (t *Tree) GetStorage(p path.Path) (storage.Ref, error) {
	const op = "naming.Tree.GetStorage"
	n, err := t.resolve(p)
	if err != nil {
		return storage.Ref{}, errors.E(op, err)
	}
	if n.kind != fileKind {
		return storage.Ref{}, errors.E(op, p.String(), errors.NotFound)
	}
	n.replMu.Lock()
	defer n.replMu.Unlock()
	if len(n.replicas) == 0 {
		return storage.Ref{}, errors.E(op, p.String(), errors.NotFound)
	}
	ref := n.replicas[n.next%len(n.replicas)]
	n.next++
	return ref, nil
}

// RegisterFiles implements §4.2.3. It rejects a ref already present
// in R, then attempts to create a file node for each path, creating
// missing intermediate directories as needed. Every path that could
// not be created as a new node is returned as a duplicate, for the
// caller to delete locally; when a duplicate collides with an
// existing FILE (rather than a directory), ref is folded in as an
// additional replica of that file, matching the naming server's own
// record of who holds a copy to the fact that the storage server
// calling register also has that path on disk (spec.md §8's E2/E3
// scenarios).
func (t *Tree) RegisterFiles(ref storage.Ref, paths []path.Path) ([]path.Path, error) {
	const op = "naming.Tree.RegisterFiles"
	t.refsMu.Lock()
	for _, existing := range t.refs {
		if existing.Equal(ref) {
			t.refsMu.Unlock()
			return nil, errors.E(op, errors.AlreadyRegistered)
		}
	}
	t.refs = append(t.refs, ref)
	t.refsMu.Unlock()

	var duplicates []path.Path
	for _, p := range paths {
		if p.IsRoot() {
			duplicates = append(duplicates, p)
			continue
		}
		created, err := t.createWithIntermediates(p, ref)
		if err != nil {
			log.Error("registration path collided with an incompatible existing entry", log.Fields{
				"path": p.String(), "server": ref.Command.Addr, "kind": errors.KindOf(err).String(),
			})
		}
		if !created {
			duplicates = append(duplicates, p)
		}
	}
	return duplicates, nil
}

// createWithIntermediates locks exclusively from root to p's parent,
// creating any missing directories along the way, then creates a
// file node for p if none exists. It reports whether a new node was
// created; on a collision with an existing file it folds ref into
// that file's replica list (see RegisterFiles's doc). A collision
// with an existing node of an incompatible kind — an intermediate
// component or p itself already exists as the wrong kind — is
// reported as errors.Exist rather than silently treated as an
// ordinary duplicate.
func (t *Tree) createWithIntermediates(p path.Path, ref storage.Ref) (bool, error) {
	const op = "naming.Tree.createWithIntermediates"
	cur := t.root
	cur.mu.Lock()
	for i := 0; i < p.NElem()-1; i++ {
		name := p.Elem(i)
		child, ok := cur.children[name]
		if !ok {
			child = newDirNode()
			cur.children[name] = child
		} else if child.kind != dirKind {
			cur.mu.Unlock()
			return false, errors.E(op, p.String(), errors.Exist, errors.Str("intermediate component already exists as a file"))
		}
		child.mu.Lock()
		cur.mu.Unlock()
		cur = child
	}
	defer cur.mu.Unlock()

	name := p.Last()
	existing, exists := cur.children[name]
	if !exists {
		cur.children[name] = newFileNode(ref)
		return true, nil
	}
	if existing.kind != fileKind {
		return false, errors.E(op, p.String(), errors.Exist, errors.Str("path already exists as a directory"))
	}
	existing.replMu.Lock()
	already := false
	for _, r := range existing.replicas {
		if r.Equal(ref) {
			already = true
			break
		}
	}
	if !already {
		existing.replicas = append(existing.replicas, ref)
	}
	existing.replMu.Unlock()
	return false, nil
}
