// Package eventlog implements the per-operation audit pipeline: every
// attempted store operation produces a Record, records are enqueued onto a
// bounded blocking queue, and a single writer goroutine drains that queue
// and appends each record to a file as an element of a JSON array.
//
// The array is opened with '[' when the writer starts and closed with ']'
// when it sees a sentinel record, matching the "sentinel item" termination
// protocol described for the log pipeline: enqueuing a sentinel causes the
// writer to flush and exit rather than requiring a side-channel close call.
package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"filecached/internal/logger"
	"filecached/internal/queue"
)

// Operation names the kind of store call a Record describes.
type Operation string

// Recognized operation names, matching the wire protocol's request codes
// one for one plus the two connection-lifecycle events that never reach
// the store as a client request.
const (
	OpOpen        Operation = "OPEN"
	OpClose       Operation = "CLOSE"
	OpRead        Operation = "READ"
	OpReadN       Operation = "READ_N"
	OpWrite       Operation = "WRITE"
	OpAppend      Operation = "APPEND"
	OpLock        Operation = "LOCK"
	OpUnlock      Operation = "UNLOCK"
	OpRemove      Operation = "REMOVE"
	OpNewClient   Operation = "NEW_CLIENT"
	OpClientLeft  Operation = "CLIENT_LEFT"
	OpBadRequest  Operation = "BAD_REQUEST"
)

// Record is one audit entry. Fields and names match the log file's wire
// format exactly: a client identity, the worker that handled it, the
// operation, the path involved (if any), and the outcome.
type Record struct {
	Timestamp      string    `json:"timestamp"`
	ClientFD       int       `json:"clientFd"`
	WorkerTID      int       `json:"workerTid"`
	OperationType  Operation `json:"operationType"`
	FilePath       string    `json:"filePath"`
	Outcome        string    `json:"outcome"`
	BytesProcessed int       `json:"bytesProcessed,omitempty"`
	ErrorCode      int       `json:"errorCode,omitempty"`

	sentinel bool
}

// OutcomeOK is the outcome string for a successful operation. Pair it
// with a non-zero Record.BytesProcessed when the operation moved bytes.
const OutcomeOK = "OK"

// OutcomeFailed is the outcome string for a failed operation. It is always
// "failed"; the protocol response code goes in Record.ErrorCode.
func OutcomeFailed(code int) string { return "failed" }

// OutcomeBlocked reports a lock request that was queued rather than
// satisfied immediately.
func OutcomeBlocked(waiterPosition int) string {
	return fmt.Sprintf("client put on wait (code %d)", waiterPosition)
}

// sentinelRecord is enqueued by Stop to tell the writer to flush and exit.
// It is never written to the file.
func sentinelRecord() Record { return Record{sentinel: true} }

// Writer owns the log file and the goroutine draining its queue.
type Writer struct {
	q    *queue.Queue[Record]
	done chan struct{}
	log  *logger.Logger
}

// Start opens path (creating or truncating it), writes the opening '[',
// and spawns the single writer goroutine. Callers enqueue records with
// Log and end the pipeline with Stop.
func Start(path string, queueCapacity int, log *logger.Logger) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	if _, err := io.WriteString(f, "["); err != nil {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("eventlog: write header: %w", err)
	}

	w := &Writer{
		q:    queue.New[Record](queueCapacity),
		done: make(chan struct{}),
		log:  log,
	}
	go w.run(f)
	return w, nil
}

// Log enqueues r for the writer, blocking if the queue is full. While the
// pipeline runs, the log never drops records: a full queue applies
// back-pressure to the caller rather than discarding anything. After Stop,
// a record is discarded with a warning.
func (w *Writer) Log(r Record) {
	if err := w.q.Enqueue(r); err != nil {
		w.log.Warnf("enqueue", "record dropped after pipeline stop: %+v", r)
	}
}

// Stop enqueues the sentinel record and blocks until the writer has
// flushed the closing ']' and exited.
func (w *Writer) Stop() {
	_ = w.q.Enqueue(sentinelRecord())
	w.q.Close()
	<-w.done
}

func (w *Writer) run(f *os.File) {
	defer close(w.done)
	defer f.Close() //nolint:errcheck

	first := true
	for {
		rec, ok := w.q.Dequeue()
		if !ok || rec.sentinel {
			break
		}
		if !first {
			if _, err := io.WriteString(f, ","); err != nil {
				w.log.Errorf("write", "append separator: %v", err)
				return
			}
		}
		first = false

		b, err := json.Marshal(rec)
		if err != nil {
			w.log.Errorf("marshal", "record: %v", err)
			continue
		}
		if _, err := f.Write(b); err != nil {
			w.log.Errorf("write", "append record: %v", err)
			return
		}
	}
	if _, err := io.WriteString(f, "]"); err != nil {
		w.log.Errorf("write", "append footer: %v", err)
	}
}
