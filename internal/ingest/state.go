package ingest

import "fmt"

// State is a step of the ingestion state machine.
type State string

const (
	StateFetching  State = "fetching"
	StateParsing   State = "parsing"
	StateSplitting State = "splitting"
	StateEmbedding State = "embedding"
	StateUpserting State = "upserting"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// StageError records the state in which ingestion failed.
type StageError struct {
	State State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.State, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
