package build

import (
	"cdpipeline/internal/pipeline"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
)

// Request describes one build.
type Request struct {
	RunID     string
	Action    string
	Project   string
	Image     string
	Profile   Profile
	Commands  []string
	OutputDir string
	Env       map[string]string
	// Source is the gzip-compressed source bundle placed in the workspace.
	Source io.Reader
}

// Result describes a finished build.
type Result struct {
	ExitCode int
}

// Runner runs builds. Run writes the output directory as a bundle to out and
// fails if the build exits non-zero.
type Runner interface {
	Run(ctx context.Context, req *Request, out io.Writer) (*Result, error)
}

// Executor runs Build actions on a Runner.
type Executor struct {
	Runner Runner
	Images map[string]string
}

// NewExecutor creates an executor. A nil images map uses DefaultImages.
func NewExecutor(runner Runner, images map[string]string) *Executor {
	if images == nil {
		images = DefaultImages
	}
	return &Executor{Runner: runner, Images: images}
}

// Execute implements pipeline.Executor. The first input is the source bundle;
// the first output receives the build bundle.
func (e *Executor) Execute(ctx context.Context, ac *pipeline.ActionContext) error {
	spec, ok := ac.Spec().(pipeline.Build)
	if !ok {
		return fmt.Errorf("build executor cannot run %s actions", ac.Spec().Kind())
	}
	action := ac.Action()

	profile, err := ProfileFor(spec.Compute)
	if err != nil {
		return err
	}
	image, err := ResolveImage(e.Images, spec.ImageClass)
	if err != nil {
		return err
	}

	req := &Request{
		RunID:     ac.RunID(),
		Action:    action.Name,
		Project:   spec.Project,
		Image:     image,
		Profile:   profile,
		Commands:  spec.Commands,
		OutputDir: spec.OutputDir,
		Env:       maps.Clone(spec.Env),
	}
	if req.Env == nil {
		req.Env = make(map[string]string)
	}
	req.Env["PIPELINE_RUN_ID"] = ac.RunID()
	req.Env["PIPELINE_NAME"] = ac.PipelineName()
	req.Env["SOURCE_REVISION"] = ac.Revision()

	if len(action.Inputs) > 0 {
		src, err := ac.OpenInput(ctx, action.Inputs[0])
		if err != nil {
			return err
		}
		defer src.Close()
		req.Source = src
	}

	if len(action.Outputs) == 0 {
		_, err := e.Runner.Run(ctx, req, io.Discard)
		return err
	}

	pr, pw := io.Pipe()
	runErr := make(chan error, 1)
	go func() {
		_, err := e.Runner.Run(ctx, req, pw)
		pw.CloseWithError(err)
		runErr <- err
	}()

	a, putErr := ac.PutOutput(ctx, action.Outputs[0], pr)
	pr.CloseWithError(errors.New("build output abandoned"))
	if err := <-runErr; err != nil {
		return err
	}
	if putErr != nil {
		return putErr
	}

	ac.Logger().Info("Build finished",
		"project", spec.Project,
		"image", image,
		"artifact", a.Name,
		"size", a.Size,
	)
	return nil
}

// ExitError reports a build that exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("build exited with code %d", e.Code)
}

