package main

import (
	"cdpipeline/internal/config"
	"cdpipeline/internal/notify"
	"cdpipeline/internal/pipeline"
	"cdpipeline/internal/topology"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/urfave/cli/v2"
)

// loadDefinitions reads the definitions file named by --file.
func loadDefinitions(c *cli.Context) (*config.File, error) {
	path := c.String("file")
	f, err := config.LoadDefinitions(path)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("%s: %v", path, err), exitUsage)
	}
	return f, nil
}

// buildPipelines turns definitions into pipelines publishing to publisher.
func buildPipelines(c *cli.Context, f *config.File, publisher pipeline.Publisher) ([]*pipeline.Pipeline, error) {
	pipelines, err := topology.Build(f, publisher)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("%s: %v", c.String("file"), err), exitUsage)
	}
	return pipelines, nil
}

// loadPipelines builds the pipelines of --file with notifications logged.
func loadPipelines(c *cli.Context) ([]*pipeline.Pipeline, error) {
	f, err := loadDefinitions(c)
	if err != nil {
		return nil, err
	}
	return buildPipelines(c, f, notify.NewLog(slog.Default()))
}

// ValidateResponse is the result of the validate command.
type ValidateResponse struct {
	File      string   `json:"file"`
	Valid     bool     `json:"valid"`
	Pipelines []string `json:"pipelines"`
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Check a definitions file against the schema and build its pipelines",
		Flags: []cli.Flag{formatFlag},
		Action: func(c *cli.Context) error {
			r, err := newRenderer(c)
			if err != nil {
				return err
			}
			pipelines, err := loadPipelines(c)
			if err != nil {
				return err
			}

			resp := ValidateResponse{File: c.String("file"), Valid: true}
			for _, p := range pipelines {
				resp.Pipelines = append(resp.Pipelines, p.Name())
			}
			return r.render(resp, func(w io.Writer) error {
				fmt.Fprintf(w, "%s\tvalid\t%d pipeline(s)\n", resp.File, len(resp.Pipelines))
				for _, name := range resp.Pipelines {
					fmt.Fprintf(w, "\t%s\n", name)
				}
				return nil
			})
		},
	}
}

func describeCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe",
		Usage:     "Show the stages, actions and artifacts of pipelines",
		ArgsUsage: "[pipeline...]",
		Flags:     []cli.Flag{formatFlag},
		Action: func(c *cli.Context) error {
			r, err := newRenderer(c)
			if err != nil {
				return err
			}
			pipelines, err := loadPipelines(c)
			if err != nil {
				return err
			}

			wanted := c.Args().Slice()
			var summaries []pipeline.Summary
			for _, p := range pipelines {
				if len(wanted) == 0 || slices.Contains(wanted, p.Name()) {
					summaries = append(summaries, p.Summary())
				}
			}
			for _, name := range wanted {
				if !slices.ContainsFunc(summaries, func(s pipeline.Summary) bool { return s.Name == name }) {
					return cli.Exit(fmt.Sprintf("pipeline %q is not defined", name), exitUsage)
				}
			}
			return r.render(summaries, describeTable(summaries))
		},
	}
}

// VersionResponse is the result of the version command.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: []cli.Flag{formatFlag},
		Action: func(c *cli.Context) error {
			r, err := newRenderer(c)
			if err != nil {
				return err
			}
			resp := VersionResponse{Version: version, Commit: commit}
			return r.render(resp, func(w io.Writer) error {
				fmt.Fprintf(w, "pipelinectl\t%s\t%s\n", resp.Version, resp.Commit)
				return nil
			})
		},
	}
}
