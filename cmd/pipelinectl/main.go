// Package main provides pipelinectl, the command-line companion of
// pipeline-service. It validates and describes pipeline definition files and
// runs a pipeline locally in-process.
//
// Usage:
//
//	pipelinectl [--file pipelines.yml] <command> [options]
//
// Exit codes for `run`:
//   - 0: run succeeded
//   - 1: run failed
//   - 2: invalid definitions or flags
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes.
const (
	exitRunFailed = 1
	exitUsage     = 2
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "pipelinectl",
		Usage:          "Validate, describe and locally run delivery pipelines",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Pipeline definitions file",
				Value:   "pipelines.yml",
				EnvVars: []string{"PIPELINES_FILE"},
			},
		},
		Commands: []*cli.Command{
			validateCommand(),
			describeCommand(),
			runCommand(),
			versionCommand(),
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(c.App.ErrWriter, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(c.App.ErrWriter, "Error: %v\n", err)
	os.Exit(1)
}
