package main

// logLines is a bounded, goroutine-safe list of display lines.
type logLines struct {
	max   int
	lines chan []string
}

func newLogLines(max int) *logLines {
	l := &logLines{max: max, lines: make(chan []string, 1)}
	l.lines <- nil
	return l
}

func (l *logLines) Add(line string) {
	lines := <-l.lines
	lines = append(lines, line)
	if len(lines) > l.max {
		lines = append(lines[:0], lines[len(lines)-l.max:]...)
	}
	l.lines <- lines
}

func (l *logLines) Len() int {
	lines := <-l.lines
	l.lines <- lines
	return len(lines)
}

// Get returns "" for an index that has scrolled away.
func (l *logLines) Get(i int) string {
	lines := <-l.lines
	l.lines <- lines
	if i < 0 || i >= len(lines) {
		return ""
	}
	return lines[i]
}
