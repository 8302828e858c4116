// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package adapter

import (
	"bufio"
	"bytes"
	"io"
)

// STREAMING: Robust SSE parsing with skip-on-malformed discipline

// MaxChunkSize is the maximum allowed size for a single SSE line (64KB).
const MaxChunkSize = 64 * 1024

// doneSentinel is the literal payload that terminates an OpenAI-style
// SSE stream.
var doneSentinel = []byte("[DONE]")

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream. Only "data:" fields
// matter for the dialects spoken here; other fields and comments are
// ignored.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReaderSize(r, MaxChunkSize),
	}
}

// ReadData returns the next data payload from the stream. Returns io.EOF
// when the stream ends. Lines over MaxChunkSize and field-less lines are
// skipped. The returned slice is only valid until the next call.
func (s *SSEReader) ReadData() ([]byte, error) {
	for {
		line, err := s.reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// Oversized line: drain the remainder and move on.
			for err == bufio.ErrBufferFull {
				_, err = s.reader.ReadSlice('\n')
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				if data, ok := dataPayload(line); ok {
					return data, nil
				}
			}
			return nil, err
		}

		if data, ok := dataPayload(line); ok {
			return data, nil
		}
		// Blank lines, comments, and other fields fall through.
	}
}

// IsDone reports whether a payload is the end-of-stream sentinel.
func IsDone(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), doneSentinel)
}

// dataPayload extracts the payload from a "data:" line.
func dataPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	data := bytes.TrimSpace(line[5:])
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}
