// Package flags provides support for wsbridge CLI args
package flags

import "errors"

// ErrExcessArgs is returned when unparsed arguments remain
var ErrExcessArgs = errors.New("excess arguments provided")
