package runstore

import (
	"fmt"

	"github.com/cantonio/checklist-orchestrator/internal/domain"
)

// dbOp represents a database operation to be executed by the write queue
type dbOp struct {
	opType       string
	runID        string
	run          *RunRecord
	session      *SessionRecord
	status       domain.AgentStatus
	errorMessage string
}

// AsyncWriter serializes store writes through a single goroutine so
// concurrent item workers never contend on the SQLite connection.
type AsyncWriter struct {
	store     *Store
	writeChan chan dbOp
	writeDone chan struct{}
}

// NewAsyncWriter starts the write goroutine for the given store
func NewAsyncWriter(store *Store) *AsyncWriter {
	w := &AsyncWriter{
		store:     store,
		writeChan: make(chan dbOp, 100), // Buffer for async writes
		writeDone: make(chan struct{}),
	}
	go w.writer()
	return w
}

// writer processes database operations sequentially to avoid lock contention
func (w *AsyncWriter) writer() {
	for op := range w.writeChan {
		w.apply(op)
	}
	close(w.writeDone)
}

func (w *AsyncWriter) apply(op dbOp) {
	if w.store == nil {
		return
	}
	var err error
	switch op.opType {
	case "saveRun":
		err = w.store.SaveRun(op.run)
	case "saveSession":
		err = w.store.SaveSession(op.session)
	case "updateRunStatus":
		err = w.store.UpdateRunStatus(op.runID, op.status, op.errorMessage)
	}
	if err != nil {
		fmt.Printf("Warning: persisting %s failed: %v\n", op.opType, err)
	}
}

// queue enqueues an op, falling back to a synchronous write when full
func (w *AsyncWriter) queue(op dbOp) {
	select {
	case w.writeChan <- op:
	default:
		w.apply(op)
	}
}

// SaveRun queues an upsert of a run record
func (w *AsyncWriter) SaveRun(rec *RunRecord) {
	w.queue(dbOp{opType: "saveRun", run: rec})
}

// SaveSession queues an upsert of a session record
func (w *AsyncWriter) SaveSession(rec *SessionRecord) {
	w.queue(dbOp{opType: "saveSession", session: rec})
}

// UpdateRunStatus queues a run status update
func (w *AsyncWriter) UpdateRunStatus(runID string, status domain.AgentStatus, errorMessage string) {
	w.queue(dbOp{opType: "updateRunStatus", runID: runID, status: status, errorMessage: errorMessage})
}

// Stop closes the queue and waits for pending writes to flush
func (w *AsyncWriter) Stop() {
	if w.writeChan != nil {
		close(w.writeChan)
		<-w.writeDone
	}
}
