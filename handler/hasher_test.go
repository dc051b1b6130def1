package handler

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestHasher_KnownDigests(t *testing.T) {
	tmpDir := t.TempDir()
	empty := filepath.Join(tmpDir, "empty")
	abc := filepath.Join(tmpDir, "abc")
	writeFile(t, empty, nil)
	writeFile(t, abc, []byte("abc"))

	tests := []struct {
		algo string
		path string
		want string
	}{
		{"md5", empty, "d41d8cd98f00b204e9800998ecf8427e"},
		{"md5", abc, "900150983cd24fb0d6963f7d28e17f72"},
		{"sha256", empty, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"sha256", abc, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}

	for _, tt := range tests {
		for _, useMmap := range []bool{false, true} {
			h, err := NewHasher(tt.algo, useMmap)
			if err != nil {
				t.Fatalf("NewHasher(%s) error = %v", tt.algo, err)
			}
			got, err := h.ComputeHash(tt.path)
			if err != nil {
				t.Fatalf("ComputeHash() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("%s mmap=%v %s = %s, want %s", tt.algo, useMmap, filepath.Base(tt.path), got, tt.want)
			}
		}
	}
}

func TestHasher_AllAlgorithmsStable(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "big.bin")
	// spans several chunks with a partial tail
	writeFile(t, path, bytes.Repeat([]byte("0123456789abcdef"), 3*chunkSize/16+7))

	for _, algo := range HashAlgorithms() {
		plain, err := NewHasher(algo, false)
		if err != nil {
			t.Fatalf("NewHasher(%s) error = %v", algo, err)
		}
		mapped, _ := NewHasher(algo, true)

		a, err := plain.ComputeHash(path)
		if err != nil {
			t.Fatalf("%s: ComputeHash() error = %v", algo, err)
		}
		b, err := mapped.ComputeHash(path)
		if err != nil {
			t.Fatalf("%s: mmap ComputeHash() error = %v", algo, err)
		}
		if a != b {
			t.Errorf("%s: streaming and mmap digests differ", algo)
		}
		if plain.Algorithm() != algo {
			t.Errorf("Algorithm() = %s, want %s", plain.Algorithm(), algo)
		}
	}
}

func TestNewHasher_Unknown(t *testing.T) {
	_, err := NewHasher("crc32", false)
	if !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("error = %v, want ErrUnknownAlgorithm", err)
	}

	h, err := NewHasher("", false)
	if err != nil {
		t.Fatalf("NewHasher(\"\") error = %v", err)
	}
	if h.Algorithm() != DefaultHashAlgorithm {
		t.Errorf("Algorithm() = %s, want %s", h.Algorithm(), DefaultHashAlgorithm)
	}
}

func TestHasher_MissingFile(t *testing.T) {
	h, _ := NewHasher("md5", false)
	got, err := h.ComputeHash(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if got != "" {
		t.Errorf("hash = %q, want empty", got)
	}
}

func TestBytesEqual(t *testing.T) {
	tmpDir := t.TempDir()
	long := bytes.Repeat([]byte{0xAB}, chunkSize+10)
	longOther := append([]byte(nil), long...)
	longOther[chunkSize+5] = 0xCD

	a := filepath.Join(tmpDir, "a")
	b := filepath.Join(tmpDir, "b")
	c := filepath.Join(tmpDir, "c")
	d := filepath.Join(tmpDir, "d")
	writeFile(t, a, long)
	writeFile(t, b, long)
	writeFile(t, c, longOther)
	writeFile(t, d, []byte("short"))

	size := int64(len(long))
	tests := []struct {
		name   string
		pathA  string
		sizeA  int64
		pathB  string
		sizeB  int64
		expect bool
	}{
		{"identical", a, size, b, size, true},
		{"differ in second chunk", a, size, c, size, false},
		{"size mismatch", a, size, d, 5, false},
		{"missing file", a, size, filepath.Join(tmpDir, "gone"), size, false},
		{"declared equal but actual lengths differ", a, 5, d, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BytesEqual(tt.pathA, tt.sizeA, tt.pathB, tt.sizeB); got != tt.expect {
				t.Errorf("BytesEqual() = %v, want %v", got, tt.expect)
			}
		})
	}
}
