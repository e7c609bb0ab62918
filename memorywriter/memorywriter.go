package memorywriter

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Package memorywriter keeps a bounded log in memory. The oldest lines
// rotate away, except for a fixed number of lines from startup which are
// always kept; the status page exports the buffer on demand.

// hard cap on a single line, to bound memory on runaway writers
const maxLineLength = 500

type MemoryWriter struct {
	mutex sync.Mutex

	headCount int      // how many startup lines to pin
	head      [][]byte // first lines after startup, never rotated

	ringSize int
	ring     [][]byte // most recent lines, oldest first
	dropped  int      // count of rotated-away lines

	startTime time.Time
	stamp     bool
	mirror    io.Writer // optional secondary writer (e.g. stderr)
}

func New(size, headSize int, stampLines bool, mirror io.Writer) (*MemoryWriter, error) {
	if size < 1 || headSize < 1 {
		return nil, errors.New("memorywriter: sizes must be positive")
	}
	return &MemoryWriter{
		ringSize:  size,
		headCount: headSize,
		startTime: time.Now(),
		stamp:     stampLines,
		mirror:    mirror,
	}, nil
}

func (m *MemoryWriter) Log(s string) {
	if _, err := m.Write([]byte(s + "\n")); err != nil {
		// give up, just print on stdout
		fmt.Println(err)
	}
}

func (m *MemoryWriter) Write(p []byte) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(p) > maxLineLength {
		// keep the newline so the next line does not glue onto this one
		truncated := make([]byte, maxLineLength+1)
		copy(truncated, p[:maxLineLength])
		truncated[maxLineLength] = '\n'
		p = truncated
	}

	var line []byte
	if m.stamp {
		elapsed := time.Since(m.startTime).Seconds()
		now := time.Now().Format("15:04:05")
		line = []byte(fmt.Sprintf("[%.6f : %s] %s", elapsed, now, string(p)))
	} else {
		line = make([]byte, len(p))
		copy(line, p)
	}

	if len(m.head) < m.headCount {
		m.head = append(m.head, line)
	} else {
		for len(m.ring) >= m.ringSize {
			m.ring = m.ring[1:]
			m.dropped++
		}
		m.ring = append(m.ring, line)
	}

	if m.mirror != nil {
		if _, err := m.mirror.Write(line); err != nil {
			fmt.Println(err)
		}
	}
	return len(p), nil
}

// writeTo exports the buffer, newest lines first, with extra text
// (version, tool info) on top.
func (m *MemoryWriter) writeTo(start string, w io.Writer) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, err := w.Write([]byte(start)); err != nil {
		return err
	}

	for i := len(m.ring) - 1; i >= 0; i-- {
		if _, err := w.Write(m.ring[i]); err != nil {
			return err
		}
	}

	gap := "...\n"
	if m.dropped > 0 {
		gap = fmt.Sprintf("... (%d lines rotated away)\n", m.dropped)
	}
	if _, err := w.Write([]byte(gap)); err != nil {
		return err
	}

	for i := len(m.head) - 1; i >= 0; i-- {
		if _, err := w.Write(m.head[i]); err != nil {
			return err
		}
	}
	return nil
}

// String exports the buffer as a string.
func (m *MemoryWriter) String(start string) (string, error) {
	var b bytes.Buffer
	if err := m.writeTo(start, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Gzip exports the buffer as gzip bytes, for the status page download.
func (m *MemoryWriter) Gzip(start string) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	gw.Name = "log.txt"
	if err := m.writeTo(start, gw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
