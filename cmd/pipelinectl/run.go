package main

import (
	"bytes"
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/artifact"
	"cdpipeline/internal/build"
	"cdpipeline/internal/changeset"
	"cdpipeline/internal/config"
	"cdpipeline/internal/dispatcher"
	"cdpipeline/internal/notify"
	"cdpipeline/internal/pipeline"
	"cdpipeline/internal/run"
	"cdpipeline/internal/source"
	"cdpipeline/internal/stacklock"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a pipeline locally with in-memory artifacts and stacks",
		ArgsUsage: "<pipeline>",
		Flags: []cli.Flag{
			formatFlag,
			&cli.StringFlag{Name: "revision", Aliases: []string{"r"}, Usage: "Commit, tag or branch to fetch (default: the configured branch)"},
			&cli.StringFlag{Name: "reason", Usage: "Why the run was started", Value: "manual run"},
			&cli.StringFlag{Name: "source-dir", Usage: "Use a local directory as the source instead of fetching from GitHub"},
			&cli.DurationFlag{Name: "timeout", Usage: "Cancel the run after this long", Value: time.Hour},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Log engine events to stderr"},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	r, err := newRenderer(c)
	if err != nil {
		return err
	}
	if c.NArg() != 1 {
		return cli.Exit("run takes exactly one pipeline name", exitUsage)
	}
	name := c.Args().First()

	level := slog.LevelWarn
	if c.Bool("verbose") {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: level})))

	defs, err := loadDefinitions(c)
	if err != nil {
		return err
	}

	local, err := newLocalRunner(defs, c.String("source-dir"))
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	defer local.close()

	pipelines, err := buildPipelines(c, defs, local.publisher)
	if err != nil {
		return err
	}
	svc, err := run.NewService(local.engine, pipelines, nil, local.orphans, run.Config{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Close(closeCtx)
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	resp, err := svc.Trigger(ctx, name, &run.TriggerRequest{Revision: c.String("revision"), Reason: c.String("reason")})
	if err != nil {
		if apperrors.HTTPStatus(err) < 500 {
			return cli.Exit(err.Error(), exitUsage)
		}
		return err
	}

	snap, err := svc.Wait(ctx, resp.RunID)
	if err != nil {
		// Interrupted or timed out: cancel and let in-flight actions finish.
		_ = svc.Cancel(context.Background(), resp.RunID)
		snap, err = svc.Wait(context.Background(), resp.RunID)
		if err != nil {
			return err
		}
	}
	if err := r.render(snap, snapshotTable(snap)); err != nil {
		return err
	}
	if snap.State != pipeline.RunSucceeded {
		return cli.Exit("", exitRunFailed)
	}
	return nil
}

// localRunner holds the in-process backends of a local run.
type localRunner struct {
	engine     *pipeline.Engine
	publisher  pipeline.Publisher
	orphans    *changeset.OrphanRegistry
	dispatcher dispatcher.Dispatcher
	builder    *build.DockerRunner
}

func newLocalRunner(defs *config.File, sourceDir string) (*localRunner, error) {
	l := &localRunner{}

	if len(defs.Webhooks) > 0 {
		l.dispatcher = dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), nil)
	}
	router, err := notify.Setup(defs, notify.Transports{Dispatcher: l.dispatcher})
	if err != nil {
		l.close()
		return nil, err
	}
	l.publisher = router

	buildCfg := build.LoadConfigFromEnv()
	l.builder, err = build.NewDockerRunner(buildCfg, nil)
	if err != nil {
		l.close()
		return nil, err
	}

	var fetcher pipeline.Executor
	if sourceDir != "" {
		info, err := os.Stat(sourceDir)
		if err != nil || !info.IsDir() {
			l.close()
			return nil, fmt.Errorf("source directory %s is not a directory", sourceDir)
		}
		fetcher = dirSource(sourceDir)
	} else {
		sourceCfg := source.LoadConfigFromEnv()
		fetcher = source.NewGitHubFetcher(sourceCfg, source.SecretResolver{Dir: sourceCfg.SecretsDir})
	}

	provisioner := changeset.NewMemoryProvisioner()
	l.orphans = changeset.NewOrphanRegistry(provisioner)

	executors := map[pipeline.ActionKind]pipeline.Executor{
		pipeline.KindSourceFetch: fetcher,
		pipeline.KindBuild:       build.NewExecutor(l.builder, buildCfg.Images),
	}
	maps.Copy(executors, changeset.Executors(provisioner))

	l.engine, err = pipeline.NewEngine(pipeline.EngineConfig{
		Store:     artifact.NewMemoryStore(),
		Executors: executors,
		Locker:    stacklock.NewMemory(),
		Observers: []pipeline.Observer{l.orphans},
	})
	if err != nil {
		l.close()
		return nil, err
	}
	return l, nil
}

func (l *localRunner) close() {
	if l.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = l.dispatcher.Close(ctx)
	}
	if l.builder != nil {
		_ = l.builder.Close()
	}
}

// dirSource is a SourceFetch executor that bundles a local directory.
type dirSource string

func (d dirSource) Execute(ctx context.Context, ac *pipeline.ActionContext) error {
	outputs := ac.Action().Outputs
	if len(outputs) == 0 {
		return apperrors.Validation("outputs", fmt.Sprintf("source action %s declares no output", ac.Action().Name))
	}
	var buf bytes.Buffer
	if err := artifact.PackDir(&buf, string(d)); err != nil {
		return fmt.Errorf("bundle %s: %w", string(d), err)
	}
	a, err := ac.PutOutput(ctx, outputs[0], &buf)
	if err != nil {
		return err
	}
	ac.Logger().Info("Local source bundled", "dir", string(d), "artifact", a.Name, "size", a.Size)
	return nil
}
