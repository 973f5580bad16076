// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

func writeTestDownload(t *testing.T) (string, []byte) {
	t.Helper()
	data := bytes.Repeat([]byte("n-fetch archive payload "), 1024)
	path := filepath.Join(t.TempDir(), "download.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing test file: %v", err)
	}
	return path, data
}

func TestArchiveFile_NoneLeavesFileAlone(t *testing.T) {
	path, data := writeTestDownload(t)

	got, err := ArchiveFile(path, "none")
	if err != nil {
		t.Fatalf("ArchiveFile: %v", err)
	}
	if got != path {
		t.Errorf("expected original path, got %s", got)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	if !bytes.Equal(content, data) {
		t.Error("file content must be untouched in none mode")
	}
}

func TestArchiveFile_Gzip(t *testing.T) {
	path, data := writeTestDownload(t)

	archived, err := ArchiveFile(path, "gzip")
	if err != nil {
		t.Fatalf("ArchiveFile: %v", err)
	}
	if !strings.HasSuffix(archived, ".gz") {
		t.Errorf("expected .gz suffix, got %s", archived)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected uncompressed original to be removed")
	}

	f, err := os.Open(archived)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer f.Close()

	zr, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatalf("opening gzip reader: %v", err)
	}
	defer zr.Close()

	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompressing: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("gzip round trip mismatch")
	}
}

func TestArchiveFile_Zstd(t *testing.T) {
	path, data := writeTestDownload(t)

	archived, err := ArchiveFile(path, "zst")
	if err != nil {
		t.Fatalf("ArchiveFile: %v", err)
	}
	if !strings.HasSuffix(archived, ".zst") {
		t.Errorf("expected .zst suffix, got %s", archived)
	}

	f, err := os.Open(archived)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("opening zstd reader: %v", err)
	}
	defer zr.Close()

	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompressing: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("zstd round trip mismatch")
	}
}

func TestArchiveFile_UnknownMode(t *testing.T) {
	path, _ := writeTestDownload(t)
	if _, err := ArchiveFile(path, "bzip2"); err == nil {
		t.Fatal("expected error for unknown archive mode")
	}
}
