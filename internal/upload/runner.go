package upload

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

const maxOutputLine = 1 << 20

// Runner executes the external upload tool, passing every output line to
// onLine. The exit code is -1 when the process never ran to completion.
type Runner interface {
	Run(ctx context.Context, name string, args []string, onLine func(string)) (int, error)
}

// ExecRunner runs the tool as a child process with stderr merged into
// stdout. Cancelling ctx kills the process.
type ExecRunner struct {
	Env []string
}

func (r ExecRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("pipe %s: %w", name, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", name, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	scanner.Split(scanLines)
	for scanner.Scan() {
		if line := scanner.Text(); onLine != nil && line != "" {
			onLine(line)
		}
	}
	if err := scanner.Err(); err != nil {
		if onLine != nil {
			onLine(fmt.Sprintf("output truncated: %v", err))
		}
		// keep the pipe drained so the tool never blocks on write
		_, _ = io.Copy(io.Discard, stdout)
	}

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), fmt.Errorf("%s exited with code %d: %w", name, exitErr.ExitCode(), err)
	}
	return -1, fmt.Errorf("wait %s: %w", name, err)
}

// scanLines splits on \n and on a bare \r, which progress bars use to
// redraw a line.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		} else if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// \r\n may be split across reads
			return 0, nil, nil
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Command is the upload tool invocation. Args may contain the placeholders
// {port}, {sketch} and {fqbn}.
type Command struct {
	Tool string
	Args []string
	FQBN string
}

// DefaultCommand compiles and uploads a sketch with arduino-cli.
func DefaultCommand(fqbn string) Command {
	return Command{
		Tool: "arduino-cli",
		Args: []string{"compile", "--upload", "-p", "{port}", "--fqbn", "{fqbn}", "{sketch}"},
		FQBN: fqbn,
	}
}

func (c Command) Expand(port, sketch string) (string, []string) {
	replacer := strings.NewReplacer("{port}", port, "{sketch}", sketch, "{fqbn}", c.FQBN)

	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = replacer.Replace(arg)
	}
	return c.Tool, args
}
