package logging

import (
	"time"

	"go.uber.org/zap/zapcore"

	"ouroboros/internal/telemetry"
)

// Entry is one log record held in the stream.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Category string         `json:"category,omitempty"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// RingCore is a zapcore.Core that appends entries to a telemetry.Ring.
type RingCore struct {
	zapcore.LevelEnabler
	ring   *telemetry.Ring[Entry]
	fields []zapcore.Field
}

// NewRingCore creates a core writing to ring at the given level.
func NewRingCore(ring *telemetry.Ring[Entry], level zapcore.LevelEnabler) *RingCore {
	return &RingCore{LevelEnabler: level, ring: ring}
}

// With returns a core carrying additional context fields.
func (c *RingCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &RingCore{LevelEnabler: c.LevelEnabler, ring: c.ring, fields: merged}
}

// Check adds the core when the entry's level is enabled.
func (c *RingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

// Write pushes the entry. A full ring evicts its oldest entry.
func (c *RingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	e := Entry{
		Time:     ent.Time,
		Level:    ent.Level.String(),
		Category: ent.LoggerName,
		Message:  ent.Message,
	}
	if len(c.fields)+len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range c.fields {
			f.AddTo(enc)
		}
		for _, f := range fields {
			f.AddTo(enc)
		}
		e.Fields = enc.Fields
	}
	c.ring.Push(e)
	return nil
}

// Sync is a no-op.
func (c *RingCore) Sync() error { return nil }
