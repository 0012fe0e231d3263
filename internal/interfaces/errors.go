package interfaces

import "errors"

// ErrNoMessage is returned when the queue has no dispatchable job.
var ErrNoMessage = errors.New("no messages in queue")

// ErrKeyNotFound is returned when an intermediate-store key is absent or
// expired.
var ErrKeyNotFound = errors.New("key not found")

// ErrJobNotFound is returned when a job ID does not exist in the queue.
var ErrJobNotFound = errors.New("job not found")

// ErrDuplicateJob is returned when a flow is re-submitted with a parent job
// ID that already exists. Re-submission is a no-op for the caller.
var ErrDuplicateJob = errors.New("job already exists")
