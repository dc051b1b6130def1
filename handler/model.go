package handler

import (
	"path/filepath"
	"strings"
	"time"
)

// FileRecord is one file observed by a scan or restored from the cache
type FileRecord struct {
	Name        string // file name without extension
	Extension   string // extension without the leading dot
	SizeBytes   int64
	FullPath    string // empty when rebuilt without disk access
	ModTime     int64  // unix nanoseconds, 0 when unknown
	ContentHash string // hex digest, empty when not computed
	Removed     bool   // no longer found on disk, kept as history
}

// NewFileRecord builds a record for a file seen on disk
func NewFileRecord(fileName, fullPath string, size int64, modTime time.Time) *FileRecord {
	name, ext := SplitName(fileName)
	rec := &FileRecord{
		Name:      name,
		Extension: ext,
		SizeBytes: size,
		FullPath:  fullPath,
	}
	if !modTime.IsZero() {
		rec.ModTime = modTime.UnixNano()
	}
	return rec
}

// SplitName splits a file name on its last dot.
// Names made only of leading dots plus a stem (".bashrc") have no extension.
func SplitName(fileName string) (string, string) {
	i := strings.LastIndexByte(fileName, '.')
	if i <= 0 || strings.TrimLeft(fileName[:i], ".") == "" {
		return fileName, ""
	}
	return fileName[:i], fileName[i+1:]
}

// FileName returns the name with its extension
func (f *FileRecord) FileName() string {
	if f.Extension == "" {
		return f.Name
	}
	return f.Name + "." + f.Extension
}

// Key returns the identity key of the record
func (f *FileRecord) Key() string {
	return PathKey(f.FullPath)
}

// HasHash reports whether a content hash is known
func (f *FileRecord) HasHash() bool {
	return f.ContentHash != ""
}

// Clone returns a copy of the record
func (f *FileRecord) Clone() *FileRecord {
	c := *f
	return &c
}

// DirectoryNode is a folder with its direct files and ordered subfolders
type DirectoryNode struct {
	Name     string
	FullPath string // empty for the virtual root of a forest
	Files    []*FileRecord
	Children []*DirectoryNode
}

// NewDirectoryNode creates an empty node for path
func NewDirectoryNode(path string) *DirectoryNode {
	path = NormalizePath(path)
	return &DirectoryNode{
		Name:     filepath.Base(path),
		FullPath: path,
	}
}

// NewVirtualRoot creates the synthetic root holding independent scan roots
func NewVirtualRoot() *DirectoryNode {
	return &DirectoryNode{}
}

// IsVirtual reports whether the node is a forest's virtual root
func (d *DirectoryNode) IsVirtual() bool {
	return d.FullPath == ""
}

// IsEmpty reports whether the node has neither files nor children
func (d *DirectoryNode) IsEmpty() bool {
	return len(d.Files) == 0 && len(d.Children) == 0
}

// Key returns the identity key of the node path
func (d *DirectoryNode) Key() string {
	return PathKey(d.FullPath)
}

// Clone returns a deep copy of the subtree
func (d *DirectoryNode) Clone() *DirectoryNode {
	if d == nil {
		return nil
	}
	c := &DirectoryNode{
		Name:     d.Name,
		FullPath: d.FullPath,
	}
	if len(d.Files) > 0 {
		c.Files = make([]*FileRecord, len(d.Files))
		for i, f := range d.Files {
			c.Files[i] = f.Clone()
		}
	}
	if len(d.Children) > 0 {
		c.Children = make([]*DirectoryNode, len(d.Children))
		for i, child := range d.Children {
			c.Children[i] = child.Clone()
		}
	}
	return c
}

// Walk visits the subtree in pre-order. Returning false from fn skips the
// children of the visited node.
func (d *DirectoryNode) Walk(fn func(node *DirectoryNode) bool) {
	if d == nil {
		return
	}
	if !fn(d) {
		return
	}
	for _, child := range d.Children {
		child.Walk(fn)
	}
}

// FileRef is a file together with the path of the folder holding it
type FileRef struct {
	Dir    string
	Record *FileRecord
}

// CollectFiles returns every record of the subtree, a node's own files
// before those of its children.
func (d *DirectoryNode) CollectFiles() []FileRef {
	var refs []FileRef
	d.Walk(func(node *DirectoryNode) bool {
		for _, f := range node.Files {
			refs = append(refs, FileRef{Dir: node.FullPath, Record: f})
		}
		return true
	})
	return refs
}

// FindByPath resolves a folder path inside the subtree. A folder spelled
// with the same case wins over a case variant.
func (d *DirectoryNode) FindByPath(path string) *DirectoryNode {
	if d == nil {
		return nil
	}
	key := PathKey(path)
	if d.Key() == key {
		return d
	}
	exact := exactKey(path)
	for _, child := range d.Children {
		if ck := exactKey(child.FullPath); ck == exact || IsWithin(exact, ck) {
			return child.FindByPath(path)
		}
	}
	for _, child := range d.Children {
		if child.Key() == key || IsWithin(key, child.Key()) {
			return child.FindByPath(path)
		}
	}
	return nil
}

// TotalSize sums the sizes of the live files of the subtree
func (d *DirectoryNode) TotalSize() int64 {
	var total int64
	d.Walk(func(node *DirectoryNode) bool {
		for _, f := range node.Files {
			if !f.Removed {
				total += f.SizeBytes
			}
		}
		return true
	})
	return total
}

// RootPaths returns the paths of the scan roots held by a virtual root
func (d *DirectoryNode) RootPaths() []string {
	if d == nil {
		return nil
	}
	if !d.IsVirtual() {
		return []string{d.FullPath}
	}
	paths := make([]string, 0, len(d.Children))
	for _, child := range d.Children {
		paths = append(paths, child.FullPath)
	}
	return paths
}
