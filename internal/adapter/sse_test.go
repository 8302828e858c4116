// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package adapter

import (
	"io"
	"strings"
	"testing"
)

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader_ReadsDataLines(t *testing.T) {
	input := "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n"
	reader := NewSSEReader(strings.NewReader(input))

	var payloads []string
	for {
		data, err := reader.ReadData()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if IsDone(data) {
			break
		}
		payloads = append(payloads, string(data))
	}

	if len(payloads) != 2 {
		t.Fatalf("got %d payloads, want 2: %v", len(payloads), payloads)
	}
	if payloads[0] != `{"a":1}` || payloads[1] != `{"b":2}` {
		t.Errorf("payloads = %v", payloads)
	}
}

func TestSSEReader_SkipsNonDataLines(t *testing.T) {
	input := ": comment\nevent: message\nid: 7\ndata: payload\n\n"
	reader := NewSSEReader(strings.NewReader(input))

	data, err := reader.ReadData()
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q, want %q", data, "payload")
	}
}

func TestSSEReader_HandlesCRLF(t *testing.T) {
	input := "data: first\r\n\r\ndata: second\r\n\r\n"
	reader := NewSSEReader(strings.NewReader(input))

	data, _ := reader.ReadData()
	if string(data) != "first" {
		t.Errorf("data = %q, want %q", data, "first")
	}
	data, _ = reader.ReadData()
	if string(data) != "second" {
		t.Errorf("data = %q, want %q", data, "second")
	}
}

func TestSSEReader_EOFWithTrailingData(t *testing.T) {
	// Final line has no trailing newline.
	reader := NewSSEReader(strings.NewReader("data: tail"))

	data, err := reader.ReadData()
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if string(data) != "tail" {
		t.Errorf("data = %q, want %q", data, "tail")
	}

	if _, err := reader.ReadData(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestSSEReader_SkipsOversizedLines(t *testing.T) {
	input := "data: " + strings.Repeat("x", MaxChunkSize+1024) + "\ndata: after\n"
	reader := NewSSEReader(strings.NewReader(input))

	data, err := reader.ReadData()
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if string(data) != "after" {
		t.Errorf("data = %q, want %q", data, "after")
	}
}

func TestIsDone(t *testing.T) {
	if !IsDone([]byte("[DONE]")) {
		t.Error("[DONE] should be the sentinel")
	}
	if !IsDone([]byte(" [DONE] ")) {
		t.Error("whitespace-padded sentinel should match")
	}
	if IsDone([]byte(`{"choices":[]}`)) {
		t.Error("JSON payload should not match the sentinel")
	}
}
