package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Command runs the forecasting backend as a subprocess.
//
// The process is invoked as:
//
//	<Path> <Args...> <dataset> <metric> <target unix seconds>
//
// and must print the token stream on stdout. A non-zero exit status or an empty
// stdout is reported as ErrInvocation.
type Command struct {
	// Path is the executable, e.g. "Rscript".
	Path string
	// Args are fixed leading arguments, e.g. ["forecasting_real_workload.R"].
	Args []string
	// Dir is the working directory of the process (empty for the current one).
	Dir string
	// Logger is optional.
	Logger *slog.Logger
}

// Name returns the backend identifier.
func (c *Command) Name() string { return "command" }

// Submit runs the subprocess for job and parses its output.
func (c *Command) Submit(ctx context.Context, job Job) (Result, error) {
	if c.Path == "" {
		return Result{}, fmt.Errorf("%w: command path is empty", ErrInvocation)
	}

	args := make([]string, 0, len(c.Args)+3)
	args = append(args, c.Args...)
	args = append(args, job.Dataset, job.Metric, strconv.FormatInt(job.Target.Unix(), 10))

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = c.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("running forecast command",
		"metric", job.Metric,
		"command", c.Path,
		"args", strings.Join(args, " "),
	)

	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("%w: %s for %q: %v: %s", ErrInvocation, c.Path, job.Metric, err, truncate(stderr.String(), 512))
	}

	out := stdout.String()
	if strings.TrimSpace(out) == "" {
		return Result{}, fmt.Errorf("%w: empty output for %q: %s", ErrInvocation, job.Metric, truncate(stderr.String(), 512))
	}

	res := ParseOutput(job.Metric, out)
	if !res.Valid {
		logger.Warn("forecast output could not be parsed",
			"metric", job.Metric,
			"output", truncate(out, 512),
		)
	}
	return res, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
