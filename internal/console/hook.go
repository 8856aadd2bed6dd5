package console

import (
	"bytes"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Hook mirrors log entries to a writer with its own formatter and level.
type Hook struct {
	w         io.Writer
	formatter logrus.Formatter
	levels    []logrus.Level
}

// NewHook mirrors entries at level or more severe to w. Serial terminals get CRLF line
// endings and no colors.
func NewHook(w io.Writer, level logrus.Level) *Hook {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= level {
			levels = append(levels, l)
		}
	}
	return &Hook{
		w: w,
		formatter: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		},
		levels: levels,
	}
}

func (h *Hook) Levels() []logrus.Level {
	return h.levels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	line = bytes.ReplaceAll(bytes.TrimRight(line, "\n"), []byte("\n"), []byte("\r\n"))
	line = append(line, '\r', '\n')

	// a full console drops output, it never fails logging
	_, _ = h.w.Write(line)
	return nil
}
