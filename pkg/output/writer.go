package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use. Each Write* method emits
// a complete record as a single line of JSON followed by a newline.
type Writer interface {
	WriteJob(ctx context.Context, j *JobRecord) error

	// WriteStep emits a step record correlated with jobID.
	WriteStep(ctx context.Context, jobID string, st *StepRecord) error

	WriteCommand(ctx context.Context, c *CommandRecord) error
	WriteAgent(ctx context.Context, a *AgentRecord) error
	WriteZone(ctx context.Context, z *ZoneRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized with a mutex so lines never interleave.
type JSONLWriter struct {
	w   io.Writer
	now func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter creates a new JSONL writer over w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w, now: func() time.Time { return time.Now().UTC() }}
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, j *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, j.ID, j)
}

func (jw *JSONLWriter) WriteStep(ctx context.Context, jobID string, st *StepRecord) error {
	return jw.writeRecord(ctx, TypeStep, jobID, st)
}

func (jw *JSONLWriter) WriteCommand(ctx context.Context, c *CommandRecord) error {
	return jw.writeRecord(ctx, TypeCommand, "", c)
}

func (jw *JSONLWriter) WriteAgent(ctx context.Context, a *AgentRecord) error {
	return jw.writeRecord(ctx, TypeAgent, "", a)
}

func (jw *JSONLWriter) WriteZone(ctx context.Context, z *ZoneRecord) error {
	return jw.writeRecord(ctx, TypeZone, "", z)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, "", err)
}

// Close marks the writer as closed. The underlying writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line while holding
// the mutex.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, jobID string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	recordBytes, err := json.Marshal(Record{
		Type:  recordType,
		TS:    jw.now(),
		JobID: jobID,
		Data:  dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error, which would
	// truncate the line.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
