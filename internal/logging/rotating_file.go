package logging

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// rotatedNameLayout sorts lexically in creation order
const rotatedNameLayout = "20060102T150405.000000"

// rotatingFile appends lines to a file named from template, whose single %s is
// replaced by the creation time. Once a file would grow past maxSize a new one is
// started and only the newest keep files besides the active one are retained.
// It is owned by one goroutine.
type rotatingFile struct {
	template string
	maxSize  int64
	keep     int
	now      func() time.Time

	name string
	file *os.File
	buf  *bufio.Writer
	size int64
}

func openRotatingFile(template string, maxSize int64, keep int) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(template), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rf := &rotatingFile{template: template, maxSize: maxSize, keep: keep, now: time.Now}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) open() error {
	name := fmt.Sprintf(rf.template, rf.now().UTC().Format(rotatedNameLayout))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open request log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat request log: %w", err)
	}
	rf.name = name
	rf.file = f
	rf.buf = bufio.NewWriter(f)
	rf.size = info.Size()
	return nil
}

// WriteLine appends line and a newline, rotating first when the line would not fit.
// A line larger than maxSize still goes into a file of its own.
func (rf *rotatingFile) WriteLine(line []byte) error {
	n := int64(len(line) + 1)
	if rf.size > 0 && rf.size+n > rf.maxSize {
		if err := rf.rotate(); err != nil {
			return err
		}
	}
	if _, err := rf.buf.Write(line); err != nil {
		return err
	}
	if err := rf.buf.WriteByte('\n'); err != nil {
		return err
	}
	rf.size += n
	return nil
}

func (rf *rotatingFile) rotate() error {
	if err := rf.Close(); err != nil {
		return err
	}
	if err := rf.open(); err != nil {
		return err
	}
	return rf.prune()
}

// prune removes the oldest inactive files beyond keep
func (rf *rotatingFile) prune() error {
	matches, err := filepath.Glob(fmt.Sprintf(rf.template, "*"))
	if err != nil {
		return err
	}
	sort.Strings(matches)

	inactive := matches[:0]
	for _, m := range matches {
		if m != rf.name {
			inactive = append(inactive, m)
		}
	}
	for i := 0; i < len(inactive)-rf.keep; i++ {
		if err := os.Remove(inactive[i]); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (rf *rotatingFile) Flush() error {
	return rf.buf.Flush()
}

func (rf *rotatingFile) Close() error {
	if err := rf.buf.Flush(); err != nil {
		rf.file.Close()
		return err
	}
	return rf.file.Close()
}
