package main

import "github.com/ardnew/softprobe/pkg"

// maxLine bounds a buffered monitor line.
const maxLine = 256

// lineSink collects bytes a monitor sends back and logs them a line at a
// time. Each channel gets its own sink since each writes from a different
// goroutine.
type lineSink struct {
	channel string
	line    []byte
	lines   int
}

func newLineSink(channel string) *lineSink {
	return &lineSink{channel: channel, line: make([]byte, 0, maxLine)}
}

// WriteByte implements io.ByteWriter.
func (s *lineSink) WriteByte(c byte) error {
	if c != '\n' && c != '\r' {
		s.line = append(s.line, c)
		if len(s.line) < maxLine {
			return nil
		}
	}
	if len(s.line) > 0 {
		s.lines++
		pkg.LogInfo(pkg.ComponentTelemetry, "monitor input",
			"channel", s.channel,
			"line", string(s.line))
		s.line = s.line[:0]
	}
	return nil
}
