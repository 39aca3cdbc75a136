//go:build !linux || !(amd64 || arm64 || 386)

package native

import (
	"errors"
	"runtime"

	"github.com/go-maxine/maxscope/pkg/tele"
)

// Process is not available on this platform.
type Process struct {
	tele.Target
}

// Attach always fails on this platform.
func Attach(pid int, info tele.TargetInfo) (*Process, error) {
	return nil, errors.New("native target not supported on " + runtime.GOOS + "/" + runtime.GOARCH)
}

func (p *Process) Wait() (tele.ProcessEvent, error) {
	return tele.ProcessEvent{}, tele.ErrProcessTerminated
}

func (p *Process) Detach() error { return nil }

func (p *Process) Pid() int { return 0 }
