package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// CLIOpener runs the agent CLI in streamed JSON mode, one message per stdout
// line.
type CLIOpener struct {
	binaryPath string
	extraArgs  []string
}

func NewCLIOpener(binaryPath string, extraArgs ...string) *CLIOpener {
	return &CLIOpener{
		binaryPath: strings.TrimSpace(binaryPath),
		extraArgs:  extraArgs,
	}
}

func (o *CLIOpener) OpenStream(ctx context.Context, prompt string, opts StreamOptions) (Stream, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	args = append(args, o.extraArgs...)
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, o.binaryPath, args...)
	if opts.CWD != "" {
		cmd.Dir = opts.CWD
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent cli stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent cli start: %w", err)
	}

	sc := bufio.NewScanner(stdout)
	// Assistant turns can carry whole files inside a single message line.
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	return &cliStream{
		ctx:     ctx,
		cmd:     cmd,
		scanner: sc,
		stderr:  &stderr,
	}, nil
}

type cliStream struct {
	ctx     context.Context
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	done    bool
	waited  bool
}

func (s *cliStream) Next(ctx context.Context) (Message, error) {
	if s.done {
		return Message{}, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				s.waited = true
				_ = s.cmd.Wait()
				return Message{}, fmt.Errorf("agent cli read: %w", err)
			}
			return Message{}, s.finish(ctx)
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// CLIs interleave log noise with the JSON stream; skip lines that
			// do not decode.
			continue
		}
		if msg.Type == "" {
			continue
		}
		return msg, nil
	}
}

func (s *cliStream) finish(ctx context.Context) error {
	s.waited = true
	if err := s.cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			// exec.CommandContext reports "signal: killed" on cancellation.
			return ctx.Err()
		}
		errText := strings.TrimSpace(s.stderr.String())
		if errText != "" {
			return fmt.Errorf("agent cli failed: %w: %s", err, tail(errText, 512))
		}
		return fmt.Errorf("agent cli failed: %w", err)
	}
	return io.EOF
}

// Close kills and reaps the child on the cancellation and mid-stream
// failure paths. The clean EOF path has already waited in finish.
func (s *cliStream) Close() error {
	if s.waited {
		return nil
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.waited = true
	_ = s.cmd.Wait()
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
