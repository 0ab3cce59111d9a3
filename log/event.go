package log

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// ObjectMarshaller can be implemented by domain objects to log a structured
// representation of themselves without paying for full serialization.
type ObjectMarshaller interface {
	MarshalLogObj(e *LogEvent)
}

// LogEvent accumulates the fields of a single log line. Events are pooled by
// the owning logger; Msg/Send returns the event to the pool, so an event must
// not be used after Msg has been called.
//
// All field methods are nil-safe: a nil event (returned when the level is
// disabled) silently drops every call, keeping call sites branch-free.
type LogEvent struct {
	logger Logger
	buf    bytes.Buffer
	level  Level
	fields int
}

func newEvent(logger Logger) *LogEvent {
	return &LogEvent{logger: logger}
}

// Reset prepares a pooled event for reuse.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.buf.WriteByte('{')
	e.fields = 0
}

func (e *LogEvent) key(k string) {
	if e.fields > 0 {
		e.buf.WriteByte(',')
	}
	e.fields++
	e.buf.WriteByte('"')
	e.buf.WriteString(k)
	e.buf.WriteString(`":`)
}

// Str appends a string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.Quote(v))
	return e
}

// Int appends an int field.
func (e *LogEvent) Int(k string, v int) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.Itoa(v))
	return e
}

// Int32 appends an int32 field.
func (e *LogEvent) Int32(k string, v int32) *LogEvent {
	if e == nil {
		return nil
	}
	return e.Int(k, int(v))
}

// Int64 appends an int64 field.
func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatInt(v, 10))
	return e
}

// Uint32 appends a uint32 field.
func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatUint(uint64(v), 10))
	return e
}

// Uint64 appends a uint64 field.
func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatUint(v, 10))
	return e
}

// Bool appends a boolean field.
func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatBool(v))
	return e
}

// Dur appends a duration field rendered in milliseconds.
func (e *LogEvent) Dur(k string, v time.Duration) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatInt(v.Milliseconds(), 10))
	return e
}

// Time appends an RFC3339 timestamp field.
func (e *LogEvent) Time(k string, t *time.Time) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.Quote(t.Format(time.RFC3339Nano)))
	return e
}

// Err appends an error field. A nil error is skipped entirely.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	return e.Str("error", err.Error())
}

// Strs appends a string slice field.
func (e *LogEvent) Strs(k string, vs []string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteByte('[')
	for i, v := range vs {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		e.buf.WriteString(strconv.Quote(v))
	}
	e.buf.WriteByte(']')
	return e
}

// Any appends a field using fmt formatting. Intended for debugging paths, not
// hot loops.
func (e *LogEvent) Any(k string, v any) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.Quote(fmt.Sprintf("%v", v)))
	return e
}

// Obj lets v marshal itself into the event.
func (e *LogEvent) Obj(v ObjectMarshaller) *LogEvent {
	if e == nil || v == nil {
		return e
	}
	v.MarshalLogObj(e)
	return e
}

// Msg finalizes the event with a message and hands it to the logger's
// appenders. The event must not be used afterwards.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.Str("msg", msg)
	e.buf.WriteString("}\n")
	e.logger.OnEventEnd(e)
}

// Msgf finalizes the event with a formatted message.
func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, args...))
}
