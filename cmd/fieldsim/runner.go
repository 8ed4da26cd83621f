// README: Scenario runner; executes cases in order and prints one line per result.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"proptrack/internal/logging"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type Runner struct {
	timeout time.Duration
	logger  *slog.Logger
	httpc   *http.Client
	out     io.Writer
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(timeout time.Duration, verbose bool) *Runner {
	logger := logging.Discard()
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return &Runner{
		timeout: timeout,
		logger:  logger,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		out:     os.Stdout,
	}
}

func (r *Runner) RunAll(ctx context.Context, cases []TestCase) []Result {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results := make([]Result, 0, len(cases))
	for _, tc := range cases {
		start := time.Now()
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		if res.Latency == 0 {
			res.Latency = time.Since(start).Round(time.Millisecond)
		}
		results = append(results, res)

		fmt.Fprintf(r.out, "%-5s %s (%s)", res.Status, res.Name, res.Latency)
		if res.Note != "" {
			fmt.Fprintf(r.out, " - %s", res.Note)
		}
		fmt.Fprintln(r.out)
	}
	return results
}

func pass(note string) Result { return Result{Status: StatusPass, Note: note} }

func fail(format string, args ...any) Result {
	return Result{Status: StatusFail, Note: fmt.Sprintf(format, args...)}
}

func skip(note string) Result { return Result{Status: StatusSkip, Note: note} }
