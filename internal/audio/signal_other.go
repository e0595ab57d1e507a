//go:build !unix

package audio

import (
	"errors"
	"os"
)

var errPauseUnsupported = errors.New("pause is not supported on this platform")

func suspendProcess(p *os.Process) error {
	return errPauseUnsupported
}

func resumeProcess(p *os.Process) error {
	return errPauseUnsupported
}
