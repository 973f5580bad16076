// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"strings"
	"testing"
)

func TestValidateClientID_Valid(t *testing.T) {
	valid := []string{
		"my-agent",
		"agent_01",
		"web-server-prod",
		"storage123",
		"AgentName",
		"a",
	}
	for _, id := range valid {
		if err := validateClientID(id); err != nil {
			t.Errorf("expected %q to be valid, got error: %v", id, err)
		}
	}
}

func TestValidateClientID_RejectsPathTraversal(t *testing.T) {
	invalid := []string{
		"..",
		"../../../etc/passwd",
		"..secret",
	}
	for _, id := range invalid {
		if err := validateClientID(id); err == nil {
			t.Errorf("expected %q to be rejected (path traversal)", id)
		}
	}
}

func TestValidateClientID_RejectsPathSeparators(t *testing.T) {
	invalid := []string{
		"foo/bar",
		"foo\\bar",
		"/absolute",
		"nested/path/name",
	}
	for _, id := range invalid {
		if err := validateClientID(id); err == nil {
			t.Errorf("expected %q to be rejected (path separator)", id)
		}
	}
}

func TestValidateClientID_RejectsEmpty(t *testing.T) {
	if err := validateClientID(""); err == nil {
		t.Error("expected empty clientId to be rejected")
	}
}

func TestValidateClientID_RejectsNullByte(t *testing.T) {
	if err := validateClientID("foo\x00bar"); err == nil {
		t.Error("expected clientId with null byte to be rejected")
	}
}

func TestValidateClientID_RejectsDotPrefix(t *testing.T) {
	invalid := []string{
		".hidden",
		".config",
		".",
	}
	for _, id := range invalid {
		if err := validateClientID(id); err == nil {
			t.Errorf("expected %q to be rejected (dot prefix)", id)
		}
	}
}

func TestValidateClientID_RejectsWhitespaceAndControl(t *testing.T) {
	invalid := []string{
		"with space",
		"tab\tseparated",
		"new\nline",
		"bell\x07",
	}
	for _, id := range invalid {
		if err := validateClientID(id); err == nil {
			t.Errorf("expected %q to be rejected (control/whitespace)", id)
		}
	}
}

func TestValidateClientID_RejectsLongName(t *testing.T) {
	long := strings.Repeat("x", maxClientIDLength+1)
	if err := validateClientID(long); err == nil {
		t.Error("expected long clientId to be rejected")
	}
	exact := strings.Repeat("x", maxClientIDLength)
	if err := validateClientID(exact); err != nil {
		t.Errorf("expected clientId at max length to be valid, got %v", err)
	}
}
