package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"perpy/internal/domain"
)

const (
	passageHeader    = "\n-----retrieved context-----\n"
	passageSeparator = "\n-----\n"
)

// PassageLog writes retrieved passages for offline inspection. It is a
// plain-text diagnostic stream separate from the structured log.
type PassageLog struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewPassageLog writes to a size-rotated file at path, or to stderr when
// path is empty.
func NewPassageLog(path string) *PassageLog {
	path = strings.TrimSpace(path)
	if path == "" {
		return &PassageLog{w: os.Stderr}
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	return &PassageLog{w: rotator, closer: rotator}
}

func NewPassageLogWriter(w io.Writer) *PassageLog {
	return &PassageLog{w: w}
}

// LogPassages writes one header line followed by the passages separated by
// delimiter lines.
func (l *PassageLog) LogPassages(passages []domain.Passage) error {
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		parts = append(parts, p.String())
	}

	var b strings.Builder
	b.WriteString(passageHeader)
	b.WriteString(strings.Join(parts, passageSeparator))
	b.WriteString("\n")

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.w, b.String())
	return err
}

func (l *PassageLog) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
