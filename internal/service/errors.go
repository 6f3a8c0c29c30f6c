package service

type ErrRunQueueFull struct{}

func (e ErrRunQueueFull) Error() string {
	return "run queue is full"
}

func NewErrRunQueueFull() *ErrRunQueueFull {
	return &ErrRunQueueFull{}
}

type RunCancelError struct {
	Message string
}

func (rce RunCancelError) Error() string {
	return rce.Message
}

type StepFailedError struct {
	Step string
	Err  error
}

func (e StepFailedError) Error() string {
	return "step '" + e.Step + "' failed: " + e.Err.Error()
}

func (e StepFailedError) Unwrap() error {
	return e.Err
}
