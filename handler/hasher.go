package handler

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"

	"github.com/opencoff/go-mmap"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// chunkSize is the read unit for hashing and byte comparison
const chunkSize = 64 * 1024

// DefaultHashAlgorithm is the digest used when none is configured
const DefaultHashAlgorithm = "md5"

var hashFactories = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha256": sha256.New,
	"blake2b": func() hash.Hash {
		h, err := blake2b.New256(nil)
		if err != nil {
			panic(fmt.Sprintf("blake2b: %s", err))
		}
		return h
	},
	"blake3": func() hash.Hash {
		return blake3.New()
	},
}

// HashAlgorithms lists the supported digest names, sorted
func HashAlgorithms() []string {
	names := make([]string, 0, len(hashFactories))
	for name := range hashFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContentHasher computes the fingerprint of a file
type ContentHasher interface {
	ComputeHash(path string) (string, error)
}

// Hasher streams files through a digest
type Hasher struct {
	algorithm string
	newHash   func() hash.Hash
	useMmap   bool
}

// NewHasher returns a hasher for the named algorithm
func NewHasher(algorithm string, useMmap bool) (*Hasher, error) {
	if algorithm == "" {
		algorithm = DefaultHashAlgorithm
	}
	factory, ok := hashFactories[algorithm]
	if !ok {
		return nil, newValidationError("new_hasher", "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm))
	}
	return &Hasher{
		algorithm: algorithm,
		newHash:   factory,
		useMmap:   useMmap,
	}, nil
}

// Algorithm returns the digest name
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// ComputeHash returns the lowercase hex digest of the file content
func (h *Hasher) ComputeHash(path string) (string, error) {
	fd, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer fd.Close()

	d := h.newHash()

	if h.useMmap {
		fi, err := fd.Stat()
		if err != nil {
			return "", fmt.Errorf("failed to stat file: %w", err)
		}
		// empty files cannot be mapped
		if fi.Size() > 0 {
			_, err = mmap.Reader(fd, func(buf []byte) error {
				d.Write(buf)
				return nil
			})
			if err != nil {
				return "", fmt.Errorf("failed to read file: %w", err)
			}
			return hex.EncodeToString(d.Sum(nil)), nil
		}
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := fd.Read(buf)
		if n > 0 {
			d.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// BytesEqual compares two files chunk by chunk. Any read failure reports
// the files as different.
func BytesEqual(pathA string, sizeA int64, pathB string, sizeB int64) bool {
	if sizeA != sizeB {
		return false
	}

	fa, err := os.Open(pathA)
	if err != nil {
		return false
	}
	defer fa.Close()

	fb, err := os.Open(pathB)
	if err != nil {
		return false
	}
	defer fb.Close()

	bufA := make([]byte, chunkSize)
	bufB := make([]byte, chunkSize)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false
		}

		endA := errors.Is(errA, io.EOF) || errors.Is(errA, io.ErrUnexpectedEOF)
		endB := errors.Is(errB, io.EOF) || errors.Is(errB, io.ErrUnexpectedEOF)
		switch {
		case endA && endB:
			return true
		case endA != endB:
			return false
		case errA != nil || errB != nil:
			return false
		}
	}
}
