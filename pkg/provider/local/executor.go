package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/ccplane/pkg/command"
)

// Executor runs a command payload, writing its combined output to out.
// A non-zero exit code is not an error; err is reserved for failures to
// run at all.
type Executor interface {
	Execute(ctx context.Context, p command.Payload, out io.Writer) (exitCode int, err error)
}

// ShellExecutor runs scripts with a local shell.
type ShellExecutor struct {
	// Shell defaults to /bin/sh.
	Shell string
}

func (e ShellExecutor) Execute(ctx context.Context, p command.Payload, out io.Writer) (int, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", p.Script)
	cmd.Dir = p.WorkDir
	cmd.Env = append(os.Environ(), envList(p.Env)...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case ctx.Err() != nil:
		return -1, ctx.Err()
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, err
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// SimExecutor interprets scripts without running anything, for tests and
// demos. Each line is one instruction:
//
//	exit N      stop with exit code N
//	sleep D     wait for duration D (time.ParseDuration syntax)
//	hang        block until cancelled
//	env KEY     print the value of KEY from the payload env
//	anything    echoed to the output
type SimExecutor struct{}

func (SimExecutor) Execute(ctx context.Context, p command.Payload, out io.Writer) (int, error) {
	for _, line := range strings.Split(p.Script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		word, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch word {
		case "exit":
			code, err := strconv.Atoi(arg)
			if err != nil {
				return -1, fmt.Errorf("exit: %w", err)
			}
			return code, nil
		case "sleep":
			d, err := time.ParseDuration(arg)
			if err != nil {
				return -1, fmt.Errorf("sleep: %w", err)
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return -1, ctx.Err()
			}
		case "hang":
			<-ctx.Done()
			return -1, ctx.Err()
		case "env":
			_, _ = fmt.Fprintf(out, "%s=%s\n", arg, p.Env[arg])
		default:
			_, _ = fmt.Fprintln(out, line)
		}
	}
	return 0, nil
}
