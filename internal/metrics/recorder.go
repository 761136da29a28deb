// Package metrics exposes transfer engine counters and gauges.
package metrics

// Outcome labels a finished transfer.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// Recorder receives observability events from the transfer loops. The
// scheduler calls the gauge setters from its own goroutine; the counters are
// called from the registration and ingest loops.
type Recorder interface {
	TransferStarted()
	TransferFinished(outcome Outcome)
	ChunksCommitted(n uint64)
	ChunkRetried()
	SetSlotsInUse(n int)
	SetBacklog(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are disabled).
type NoopRecorder struct{}

func (NoopRecorder) TransferStarted()         {}
func (NoopRecorder) TransferFinished(Outcome) {}
func (NoopRecorder) ChunksCommitted(uint64)   {}
func (NoopRecorder) ChunkRetried()            {}
func (NoopRecorder) SetSlotsInUse(int)        {}
func (NoopRecorder) SetBacklog(int)           {}
