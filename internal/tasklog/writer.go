// Package tasklog provides leveled append-only task log writing.
package tasklog

import (
	"fmt"

	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/store"
)

// Writer appends log entries to a task's log.
type Writer struct {
	store *store.Store
}

// NewWriter creates a new task log writer.
func NewWriter(s *store.Store) *Writer {
	return &Writer{store: s}
}

// Info appends an info-level entry.
func (w *Writer) Info(taskID, format string, args ...any) error {
	return w.store.AppendTaskLog(taskID, models.LogLevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warn-level entry.
func (w *Writer) Warn(taskID, format string, args ...any) error {
	return w.store.AppendTaskLog(taskID, models.LogLevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error-level entry.
func (w *Writer) Error(taskID, format string, args ...any) error {
	return w.store.AppendTaskLog(taskID, models.LogLevelError, fmt.Sprintf(format, args...))
}
