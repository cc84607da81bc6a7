package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/loom/workflow"
)

func expandCommand() *cli.Command {
	return &cli.Command{
		Name:  "expand",
		Usage: "validate workflows and print the instances each job expands to",
		Flags: []cli.Flag{
			workflowsFlag(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print instances as json",
			},
		},
		Action: expand,
	}
}

type expandedJob struct {
	Workflow  string   `json:"workflow"`
	Job       string   `json:"job"`
	Needs     []string `json:"needs,omitempty"`
	Instances []string `json:"instances"`
}

func expand(ctx context.Context, cmd *cli.Command) error {
	workflows, err := workflow.ParseDir(cmd.String("workflows"))
	if err != nil {
		if workflow.IsConfigurationError(err) {
			return cli.Exit(err.Error(), exitConfiguration)
		}
		return err
	}

	compiler := workflow.Compiler{}
	valid := compiler.Compile(workflows)
	for _, w := range compiler.Diagnostics.Warnings {
		fmt.Fprintln(os.Stderr, w)
	}
	for _, e := range compiler.Diagnostics.Errors {
		fmt.Fprintln(os.Stderr, e)
	}

	jobs, err := expandAll(valid)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(jobs); err != nil {
			return err
		}
	} else if err := printExpanded(os.Stdout, jobs); err != nil {
		return err
	}

	if compiler.Diagnostics.IsErr() {
		return cli.Exit("", exitConfiguration)
	}
	return nil
}

func expandAll(workflows []*workflow.Workflow) ([]expandedJob, error) {
	jobs := []expandedJob{}
	for _, wf := range workflows {
		for _, job := range wf.Jobs {
			instances, err := workflow.Expand(job)
			if err != nil {
				return nil, err
			}
			ej := expandedJob{
				Workflow: wf.ID(),
				Job:      job.Key,
				Needs:    job.Needs,
			}
			for _, inst := range instances {
				ej.Instances = append(ej.Instances, inst.ID)
			}
			jobs = append(jobs, ej)
		}
	}
	return jobs, nil
}

func printExpanded(w io.Writer, jobs []expandedJob) error {
	for _, j := range jobs {
		if _, err := fmt.Fprintf(w, "%s/%s\n", j.Workflow, j.Job); err != nil {
			return err
		}
		for _, id := range j.Instances {
			if _, err := fmt.Fprintf(w, "  %s\n", id); err != nil {
				return err
			}
		}
	}
	return nil
}
