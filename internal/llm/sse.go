package llm

import (
	"bufio"
	"io"
	"strings"
)

// maxEventSize bounds a single SSE line. Tool call arguments can be large.
const maxEventSize = 4 << 20

// serverSentEventScanner reads Server-Sent Events from a stream and yields
// the data payload of each event.
type serverSentEventScanner struct {
	scanner *bufio.Scanner
	data    string
}

// newServerSentEventScanner creates a new SSE scanner.
func newServerSentEventScanner(r io.Reader) *serverSentEventScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &serverSentEventScanner{scanner: sc}
}

// Scan advances to the next event carrying data. Multi-line data fields are
// joined with "\n". Comments and other fields are skipped.
func (s *serverSentEventScanner) Scan() bool {
	var lines []string
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if line == "" {
			if len(lines) > 0 {
				s.data = strings.Join(lines, "\n")
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			lines = append(lines, strings.TrimPrefix(rest, " "))
		}
	}
	// Flush an event that was not terminated by a blank line.
	if len(lines) > 0 {
		s.data = strings.Join(lines, "\n")
		return true
	}
	return false
}

// Data returns the payload of the last scanned event.
func (s *serverSentEventScanner) Data() string {
	return s.data
}

// Err returns the first non-EOF error from the underlying reader.
func (s *serverSentEventScanner) Err() error {
	return s.scanner.Err()
}
