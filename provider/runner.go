package provider

import (
	"fmt"
	"strings"
	"time"

	gocmd "github.com/go-cmd/cmd"
)

// runner invokes the external device tools. All provider round-trips go
// through here so every tool call gets the same timeout and logging
// treatment.

const (
	defaultTimeout  = 30 * time.Second
	transferTimeout = 30 * time.Minute // backup/restore move gigabytes
)

type toolResult struct {
	stdout []string
	stderr []string
	exit   int
}

func (r *toolResult) out() string {
	return strings.Join(r.stdout, "\n")
}

func (r *toolResult) errOut() string {
	return strings.Join(r.stderr, "\n")
}

// runTool runs an external binary to completion, killing it when the
// timeout fires. A timeout or spawn failure is returned as an error;
// a nonzero exit is not, callers decide what it means.
func runTool(timeout time.Duration, binary string, args ...string) (*toolResult, error) {
	c := gocmd.NewCmd(binary, args...)
	statusChan := c.Start()

	select {
	case status := <-statusChan:
		if status.Error != nil {
			return nil, fmt.Errorf("%s: %v", binary, status.Error)
		}
		return &toolResult{
			stdout: status.Stdout,
			stderr: status.Stderr,
			exit:   status.Exit,
		}, nil
	case <-time.After(timeout):
		err := c.Stop()
		if err != nil {
			return nil, fmt.Errorf("%s timed out after %s (kill failed: %v)", binary, timeout, err)
		}
		return nil, fmt.Errorf("%s timed out after %s", binary, timeout)
	}
}
