package procman

import "fmt"

// SpawnError reports a failure to launch the worker process
type SpawnError struct {
	Binary  string
	WorkDir string
	Reason  string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn %s: %s: %v", e.Binary, e.Reason, e.Err)
	}
	return fmt.Sprintf("spawn %s: %s", e.Binary, e.Reason)
}

func (e *SpawnError) Unwrap() error { return e.Err }
