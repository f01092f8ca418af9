package logs

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryWriter keeps the detailed trace of one run in memory.
// It remembers the first lines forever and rotates the rest,
// so a stuck command cannot fill the memory.
// With an out writer set, lines are also copied there as they come.

// to prevent possible memory issues, hardcode max line length
const maxLineLength = 500

type MemoryWriter struct {
	maxLineCount int
	lines        [][]byte // lines include newlines
	startLines   [][]byte
	dropped      int
	startTime    time.Time
	outWriter    io.Writer
	startCount   int
	mutex        sync.Mutex
	printTime    bool
}

// Writer remembers lines in memory
func (m *MemoryWriter) Write(p []byte) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	n := len(p)
	if len(p) > maxLineLength {
		p = append(p[0:maxLineLength:maxLineLength], '\n')
	}

	var newline []byte
	if !m.printTime {
		newline = make([]byte, len(p))
		copy(newline, p)
	} else {
		elapsed := time.Since(m.startTime)
		newline = []byte(fmt.Sprintf("[%.6f] %s", elapsed.Seconds(), string(p)))
	}

	if len(m.startLines) < m.startCount {
		// do not rotate
		m.startLines = append(m.startLines, newline)
	} else {
		// rotate
		for len(m.lines) >= m.maxLineCount {
			m.lines = m.lines[1:]
			m.dropped++
		}

		m.lines = append(m.lines, newline)
	}
	if m.outWriter != nil {
		_, wrErr := m.outWriter.Write(newline)
		if wrErr != nil {
			// give up, just print on stdout
			fmt.Println(wrErr)
		}
	}
	return n, nil
}

// WriteTo writes the trace in the order it was recorded,
// marking the place where rotated lines were dropped.
func (m *MemoryWriter) WriteTo(w io.Writer) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var total int64
	write := func(b []byte) error {
		n, err := w.Write(b)
		total += int64(n)
		return err
	}

	for _, line := range m.startLines {
		if err := write(line); err != nil {
			return total, err
		}
	}
	if m.dropped > 0 {
		if err := write([]byte(fmt.Sprintf("... %d lines dropped\n", m.dropped))); err != nil {
			return total, err
		}
	}
	for _, line := range m.lines {
		if err := write(line); err != nil {
			return total, err
		}
	}
	return total, nil
}

func NewMemoryWriter(size int, startSize int, printTime bool, out io.Writer) (*MemoryWriter, error) {
	if size < 1 {
		return nil, errors.New("size cannot be <1")
	}
	if startSize < 1 {
		return nil, errors.New("start size cannot be <1")
	}
	return &MemoryWriter{
		maxLineCount: size,
		lines:        make([][]byte, 0, size),
		startCount:   startSize,
		startLines:   make([][]byte, 0, startSize),
		startTime:    time.Now(),
		printTime:    printTime,
		outWriter:    out,
	}, nil
}
