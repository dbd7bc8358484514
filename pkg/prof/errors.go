package prof

import "github.com/pkg/errors"

// ErrActive is returned when a session starts while another is running.
var ErrActive = errors.New("profiling session already active")
