package handler

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
)

// MergeReport describes what a merge changed
type MergeReport struct {
	Warnings      []*IndexError
	HashesReused  int
	MarkedRemoved int           // records that went from live to removed
	Pending       []*FileRecord // live records under the scanned path still lacking a hash
}

// Reconciler merges freshly scanned subtrees into a cached forest
type Reconciler struct {
	exists     func(path string) bool
	isEmptyDir func(path string) (bool, error)
	sameEntry  func(a, b string) bool
}

// NewReconciler creates a reconciler. isEmptyDir re-lists a folder whose
// scan came back empty; nil uses a plain directory listing.
func NewReconciler(isEmptyDir func(path string) (bool, error)) *Reconciler {
	if isEmptyDir == nil {
		isEmptyDir = listEmpty
	}
	return &Reconciler{
		exists:     pathExists,
		isEmptyDir: isEmptyDir,
		sameEntry:  sameEntry,
	}
}

// Merge folds the fresh subtree into a copy of forest and returns the new
// forest. forest is left untouched; a nil forest is an empty one.
func (r *Reconciler) Merge(forest, fresh *DirectoryNode) (*DirectoryNode, *MergeReport, error) {
	if fresh == nil || fresh.IsVirtual() {
		return nil, nil, newValidationError("merge", "", errors.New("scanned subtree must be a real directory"))
	}

	merged := NewVirtualRoot()
	if forest != nil {
		old := forest.Clone()
		if old.IsVirtual() {
			merged.Children = old.Children
		} else {
			merged.Children = []*DirectoryNode{old}
		}
	}

	for _, root := range merged.Children {
		slog.Debug("reconciling scan with cached root",
			"scan", fresh.FullPath,
			"root", root.FullPath,
			"relation", classifyPath(fresh.FullPath, root.FullPath).String())
	}

	report := &MergeReport{}
	node := r.graft(merged, fresh.Clone(), true, report)

	node.Walk(func(n *DirectoryNode) bool {
		for _, f := range n.Files {
			if !f.Removed && !f.HasHash() {
				report.Pending = append(report.Pending, f)
			}
		}
		return true
	})

	if err := r.checkForest(merged); err != nil {
		return nil, nil, err
	}

	slog.Debug("merge finished",
		"path", fresh.FullPath,
		"roots", len(merged.Children),
		"hashes_reused", report.HashesReused,
		"marked_removed", report.MarkedRemoved,
		"pending", len(report.Pending),
		"warnings", len(report.Warnings))
	return merged, report, nil
}

// graft places in below host and returns the node now standing for in's
// path. inFresh tells which side of the merge in comes from; the nodes
// already below host are from the other side.
func (r *Reconciler) graft(host, in *DirectoryNode, inFresh bool, report *MergeReport) *DirectoryNode {
	if i, rel := r.findChild(host, in.FullPath); i >= 0 {
		child := host.Children[i]
		if rel == relationDescendant {
			return r.graft(child, in, inFresh, report)
		}
		var m *DirectoryNode
		if inFresh {
			m = r.mergeNode(child, in, report)
		} else {
			m = r.mergeNode(in, child, report)
		}
		host.Children[i] = m
		return m
	}

	// nothing at this path yet: in takes the place of the nodes it contains
	if !inFresh {
		r.reconfirm(in, report)
	}

	insertAt := -1
	kept := make([]*DirectoryNode, 0, len(host.Children)+1)
	var absorbed []*DirectoryNode
	for _, child := range host.Children {
		if r.relate(child.FullPath, in.FullPath) == relationDescendant {
			if insertAt < 0 {
				insertAt = len(kept)
			}
			absorbed = append(absorbed, child)
			continue
		}
		kept = append(kept, child)
	}

	if insertAt < 0 {
		kept = append(kept, in)
	} else {
		kept = append(kept[:insertAt], append([]*DirectoryNode{in}, kept[insertAt:]...)...)
	}
	host.Children = kept

	for _, child := range absorbed {
		r.graft(in, child, !inFresh, report)
	}
	return in
}

// findChild returns the index of the child of host that is p or holds p,
// and which of the two it is. A child spelled with the same case wins over
// a case variant.
func (r *Reconciler) findChild(host *DirectoryNode, p string) (int, pathRelation) {
	for i, child := range host.Children {
		if rel := classifyExact(p, child.FullPath); rel == relationSame || rel == relationDescendant {
			return i, rel
		}
	}
	for i, child := range host.Children {
		if rel := r.relate(p, child.FullPath); rel == relationSame || rel == relationDescendant {
			return i, rel
		}
	}
	return -1, relationDisjoint
}

// relate is classifyPath for paths on disk. Spellings differing only in
// case are one location when they resolve to the same entry, or when one
// of them no longer exists.
func (r *Reconciler) relate(p, dir string) pathRelation {
	rel := classifyPath(p, dir)
	if rel == relationDisjoint || classifyExact(p, dir) == rel {
		return rel
	}

	a, b := p, dir
	switch rel {
	case relationDescendant:
		a = leadingPath(p, dir)
	case relationAncestor:
		b = leadingPath(dir, p)
	}
	if r.sameEntry(a, b) {
		return rel
	}
	return relationDisjoint
}

// mergeNode merges two nodes with the same path and returns the result
func (r *Reconciler) mergeNode(old, fresh *DirectoryNode, report *MergeReport) *DirectoryNode {
	if fresh.IsEmpty() && !old.IsEmpty() {
		empty, err := r.isEmptyDir(fresh.FullPath)
		if err != nil || !empty {
			w := &IndexError{
				Type: ErrTypeIO,
				Op:   "empty_scan",
				Path: fresh.FullPath,
				Err:  err,
				Details: map[string]string{
					"action": "kept cached contents",
				},
			}
			if err == nil {
				w.Err = errors.New("scan returned nothing but folder is not empty")
			}
			slog.Warn("empty scan result not trusted, keeping cached contents", "path", fresh.FullPath, "error", w.Err)
			report.Warnings = append(report.Warnings, w)
			return old
		}
	}

	matches := r.matchFiles(old.Files, fresh.Files)
	for i, of := range old.Files {
		if nf := matches[i]; nf != nil {
			if !nf.HasHash() && canReuseHash(of, nf) {
				nf.ContentHash = of.ContentHash
				report.HashesReused++
			}
			continue
		}
		c := of.Clone()
		r.reconfirmFile(c, report)
		fresh.Files = append(fresh.Files, c)
	}

	for _, oc := range old.Children {
		r.graft(fresh, oc, false, report)
	}
	return fresh
}

// matchFiles pairs each old record with the fresh record for the same
// file, nil when there is none. Same-case paths pair first; a case variant
// pairs only when both spellings name the same entry.
func (r *Reconciler) matchFiles(old, fresh []*FileRecord) []*FileRecord {
	byPath := make(map[string]*FileRecord, len(fresh))
	byKey := make(map[string][]*FileRecord, len(fresh))
	for _, f := range fresh {
		byPath[exactKey(f.FullPath)] = f
		byKey[f.Key()] = append(byKey[f.Key()], f)
	}

	matches := make([]*FileRecord, len(old))
	claimed := make(map[*FileRecord]bool, len(fresh))
	for i, of := range old {
		if nf, ok := byPath[exactKey(of.FullPath)]; ok && !claimed[nf] {
			matches[i] = nf
			claimed[nf] = true
		}
	}
	for i, of := range old {
		if matches[i] != nil {
			continue
		}
		for _, nf := range byKey[of.Key()] {
			if !claimed[nf] && r.sameEntry(of.FullPath, nf.FullPath) {
				matches[i] = nf
				claimed[nf] = true
				break
			}
		}
	}
	return matches
}

// canReuseHash reports whether fresh may inherit old's hash
func canReuseHash(old, fresh *FileRecord) bool {
	if !old.HasHash() || old.SizeBytes != fresh.SizeBytes {
		return false
	}
	// unknown modTime falls back to size only
	if old.ModTime == 0 || fresh.ModTime == 0 {
		return true
	}
	return old.ModTime == fresh.ModTime
}

// reconfirm checks every record of a cached subtree against the disk
func (r *Reconciler) reconfirm(n *DirectoryNode, report *MergeReport) {
	n.Walk(func(node *DirectoryNode) bool {
		for _, f := range node.Files {
			r.reconfirmFile(f, report)
		}
		return true
	})
}

func (r *Reconciler) reconfirmFile(f *FileRecord, report *MergeReport) {
	gone := !r.exists(f.FullPath)
	if gone && !f.Removed {
		report.MarkedRemoved++
	}
	f.Removed = gone
}

// checkForest verifies that no two roots overlap, that every child lies
// below its parent and that no two siblings overlap
func (r *Reconciler) checkForest(forest *DirectoryNode) error {
	roots := forest.Children
	for i := range roots {
		for j := i + 1; j < len(roots); j++ {
			if r.relate(roots[j].FullPath, roots[i].FullPath) != relationDisjoint {
				return newInvariantError(forest.FullPath, ErrOverlappingRoots, map[string]string{
					"first":  roots[i].FullPath,
					"second": roots[j].FullPath,
				})
			}
		}
	}

	var err error
	for _, root := range roots {
		root.Walk(func(n *DirectoryNode) bool {
			if err != nil {
				return false
			}
			// siblings may differ only in case on case-sensitive filesystems
			keys := make([]string, 0, len(n.Children))
			for _, c := range n.Children {
				if !IsWithin(c.Key(), n.Key()) {
					err = newInvariantError(c.FullPath, errors.New("child outside its parent"), map[string]string{
						"parent": n.FullPath,
					})
					return false
				}
				keys = append(keys, exactKey(c.FullPath))
			}
			if a, b, ok := overlapping(keys); ok {
				err = newInvariantError(n.FullPath, errors.New("sibling folders overlap"), map[string]string{
					"first":  a,
					"second": b,
				})
				return false
			}
			return true
		})
	}
	return err
}

// overlapping finds two keys that are equal or prefix-related
func overlapping(keys []string) (string, string, bool) {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			return k, k, true
		}
		seen[k] = struct{}{}
	}
	for _, k := range keys {
		cur := k
		for {
			p := path.Dir(cur)
			if p == cur {
				break
			}
			if _, ok := seen[p]; ok {
				return p, k, true
			}
			cur = p
		}
	}
	return "", "", false
}

func pathExists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Lstat(p)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

func listEmpty(p string) (bool, error) {
	entries, err := os.ReadDir(p)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// sameEntry reports whether a and b name one file or folder. A path that
// cannot be stat'ed is not a second entry, so it counts as the same.
func sameEntry(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return true
	}
	sb, err := os.Stat(b)
	if err != nil {
		return true
	}
	return os.SameFile(sa, sb)
}
