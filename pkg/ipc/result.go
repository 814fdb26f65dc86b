package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Marker lines framing each result block on a worker's stdout. Anything
// outside the markers is treated as ordinary log output and ignored.
const (
	resultBegin = "===WARREN_RESULT==="
	resultEnd   = "===END_WARREN_RESULT==="
)

// ResultBlock is one structured result emitted by a worker. A worker may
// emit several blocks across one invocation for progressive output; the
// last block decides the invocation outcome.
type ResultBlock struct {
	Status    string `json:"status"` // success or error
	Result    string `json:"result,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// OK reports whether the block carries a success status.
func (b *ResultBlock) OK() bool {
	return b.Status == StatusSuccess
}

// WriteResult emits one framed result block to w.
func WriteResult(w io.Writer, block *ResultBlock) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("marshal result block: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n%s\n%s\n", resultBegin, data, resultEnd); err != nil {
		return fmt.Errorf("write result block: %w", err)
	}
	return nil
}

// ResultScanner reads framed result blocks out of a worker's stdout
// stream, skipping any interleaved log output.
type ResultScanner struct {
	scanner *bufio.Scanner
	err     error
}

// NewResultScanner returns a scanner over r.
func NewResultScanner(r io.Reader) *ResultScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &ResultScanner{scanner: s}
}

// Next returns the next result block, or nil when the stream is
// exhausted. A block whose body fails to parse is skipped.
func (rs *ResultScanner) Next() *ResultBlock {
	for rs.scanner.Scan() {
		if strings.TrimSpace(rs.scanner.Text()) != resultBegin {
			continue
		}
		var body strings.Builder
		for rs.scanner.Scan() {
			line := rs.scanner.Text()
			if strings.TrimSpace(line) == resultEnd {
				var block ResultBlock
				if err := json.Unmarshal([]byte(body.String()), &block); err != nil {
					break // malformed block, keep scanning
				}
				return &block
			}
			body.WriteString(line)
		}
	}
	rs.err = rs.scanner.Err()
	return nil
}

// Err returns the first underlying read error, if any.
func (rs *ResultScanner) Err() error {
	return rs.err
}

// CollectResults drains r and returns every well-formed block.
func CollectResults(r io.Reader) ([]*ResultBlock, error) {
	rs := NewResultScanner(r)
	var blocks []*ResultBlock
	for {
		block := rs.Next()
		if block == nil {
			break
		}
		blocks = append(blocks, block)
	}
	return blocks, rs.Err()
}
