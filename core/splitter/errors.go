package splitter

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step a job failed in.
type Stage string

const (
	StageAllocate  Stage = "allocate"
	StageInput     Stage = "input"
	StageAdmission Stage = "admission"
	StageSegment   Stage = "segment"
	StageCollect   Stage = "collect"
	StagePublish   Stage = "publish"
)

var (
	// ErrNoSegments means ffmpeg exited cleanly but wrote nothing we recognise.
	ErrNoSegments = errors.New("segmentation produced no segments")
	// ErrBusy means no ffmpeg slot freed up within the admission timeout.
	ErrBusy = errors.New("server busy, retry later")
	// ErrDeliveryUnavailable means reference delivery was requested without object storage.
	ErrDeliveryUnavailable = errors.New("reference delivery is not configured")
	// ErrInvalidSession means a session id is not a UUID.
	ErrInvalidSession = errors.New("invalid session id")
	// ErrManifestNotFound means no manifest is cached for a session.
	ErrManifestNotFound = errors.New("session not found")
)

// JobError is a pipeline failure. Message is safe to show to clients; Err
// carries the full cause, including tool diagnostics, for the server log.
type JobError struct {
	SessionID string
	Stage     Stage
	Message   string
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func newJobError(sessionID string, stage Stage, message string, err error) *JobError {
	return &JobError{SessionID: sessionID, Stage: stage, Message: message, Err: err}
}
