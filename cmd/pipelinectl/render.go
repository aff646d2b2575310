package main

import (
	"cdpipeline/internal/pipeline"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Format is an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

var formatFlag = &cli.StringFlag{
	Name:    "output",
	Aliases: []string{"o"},
	Usage:   "Output format: table, json, yaml",
	Value:   string(FormatTable),
}

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("invalid output format %q (must be table, json or yaml)", s)
	}
}

// renderer writes command results in the selected format. table writes
// the human-readable form of a result.
type renderer struct {
	format Format
	out    io.Writer
}

func newRenderer(c *cli.Context) (*renderer, error) {
	format, err := ParseFormat(c.String(formatFlag.Name))
	if err != nil {
		return nil, cli.Exit(err.Error(), exitUsage)
	}
	return &renderer{format: format, out: c.App.Writer}, nil
}

func (r *renderer) render(data any, table func(w io.Writer) error) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		// Round-trip through JSON so custom JSON encodings (action specs) and
		// field names carry over.
		body, err := json.Marshal(data)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(body, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
		if err := table(tw); err != nil {
			return err
		}
		return tw.Flush()
	}
}

func describeTable(summaries []pipeline.Summary) func(w io.Writer) error {
	return func(w io.Writer) error {
		for i, s := range summaries {
			if i > 0 {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "PIPELINE\t%s\n", s.Name)
			if s.Description != "" {
				fmt.Fprintf(w, "DESCRIPTION\t%s\n", s.Description)
			}
			fmt.Fprintf(w, "ON SUCCESS\t%s\n", s.SuccessTopic)
			fmt.Fprintf(w, "ON FAILURE\t%s\n", s.FailureTopic)
			fmt.Fprintln(w, "STAGE\tACTION\tKIND\tORDER\tINPUTS\tOUTPUTS")
			for _, stage := range s.Stages {
				for _, a := range stage.Actions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
						stage.Name, a.Name, a.Spec.Kind(), a.RunOrder, joinOrDash(a.Inputs), joinOrDash(a.Outputs))
				}
			}
		}
		return nil
	}
}

func snapshotTable(s *pipeline.Snapshot) func(w io.Writer) error {
	return func(w io.Writer) error {
		fmt.Fprintf(w, "RUN\t%s\n", s.ID)
		fmt.Fprintf(w, "PIPELINE\t%s\n", s.Pipeline)
		fmt.Fprintf(w, "STATE\t%s\n", s.State)
		if s.Error != "" {
			fmt.Fprintf(w, "ERROR\t%s (%s)\n", s.Error, s.ErrorKind)
		}
		fmt.Fprintln(w, "STAGE\tACTION\tRESULT\tDURATION")
		for _, stage := range s.Stages {
			for _, a := range stage.Actions {
				duration := "-"
				if a.StartedAt != nil && a.FinishedAt != nil {
					duration = a.FinishedAt.Sub(*a.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", stage.Name, a.Name, a.Result, duration)
			}
		}
		for _, o := range s.Orphans {
			fmt.Fprintf(w, "ORPHAN\t%s/%s\t%s\n", o.StackID, o.ChangeSetName, o.Reason)
		}
		if s.Notification != nil {
			status := "delivered"
			if !s.Notification.Delivered {
				status = "failed: " + s.Notification.Error
			}
			fmt.Fprintf(w, "NOTIFIED\t%s\t%s\n", s.Notification.TopicID, status)
		}
		return nil
	}
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}
