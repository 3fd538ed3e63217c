// Package assistant provides the console front ends: a line REPL, a
// customer support assistant with human hand-off and a summariser.
package assistant

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// ExitCommand ends a REPL session
const ExitCommand = "exit"

// Responder produces the reply for one line of input
type Responder func(ctx context.Context, input string) (string, error)

// REPL reads lines from In and writes labelled responses to Out until the
// exit command or end of input
type REPL struct {
	In      io.Reader
	Out     io.Writer
	Banner  string
	Prompt  string
	Label   string
	Respond Responder

	// LabelColor colours the response label; nil prints it plain
	LabelColor *color.Color
	Logger     logrus.FieldLogger
}

// IsExit reports whether line is the exit command
func IsExit(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), ExitCommand)
}

// Run blocks until exit, EOF or ctx is cancelled. A failed response is
// reported on Out and the loop continues; only context and I/O errors end
// the session with an error.
func (r *REPL) Run(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if r.Banner != "" {
		fmt.Fprintln(r.Out, r.Banner)
	}

	scanner := bufio.NewScanner(r.In)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprint(r.Out, r.Prompt)

		if !scanner.Scan() {
			fmt.Fprintln(r.Out)
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			return nil
		}

		line := scanner.Text()
		if IsExit(line) {
			return nil
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		reply, err := r.Respond(ctx, line)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			logger.WithError(err).Warn("response failed")
			fmt.Fprintf(r.Out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(r.Out, r.label(), reply)
	}
}

func (r *REPL) label() string {
	if r.LabelColor == nil {
		return r.Label
	}
	return r.LabelColor.Sprint(r.Label)
}
