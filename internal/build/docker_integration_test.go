//go:build integration

package build

import (
	"bytes"
	"cdpipeline/internal/artifact"
	"context"
	"errors"
	"testing"
	"time"
)

func TestDockerRunner_BuildsOutputDir(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	runner, err := NewDockerRunner(Config{Images: DefaultImages, PullImages: true}, nil)
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}
	defer runner.Close()
	if err := runner.Ready(ctx); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}

	var src bytes.Buffer
	if err := artifact.PackFiles(&src, map[string][]byte{"input.txt": []byte("hello")}); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	res, err := runner.Run(ctx, &Request{
		RunID:     "integration",
		Action:    "build",
		Image:     "alpine:3.20",
		Profile:   Profile{CPUs: 1, MemoryMB: 256},
		Commands:  []string{"mkdir -p dist", "tr a-z A-Z < input.txt > dist/output.txt"},
		OutputDir: "dist",
		Source:    &src,
	}, &out)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", res.ExitCode)
	}

	body, err := artifact.ReadFile(&out, "output.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(bytes.TrimSpace(body)) != "HELLO" {
		t.Errorf("unexpected output %q", body)
	}
}

func TestDockerRunner_NonZeroExit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	runner, err := NewDockerRunner(Config{PullImages: true}, nil)
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}
	defer runner.Close()
	if err := runner.Ready(ctx); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}

	var out bytes.Buffer
	_, err = runner.Run(ctx, &Request{
		RunID:    "integration",
		Action:   "build",
		Image:    "alpine:3.20",
		Profile:  Profile{CPUs: 1, MemoryMB: 256},
		Commands: []string{"echo failing", "exit 3"},
	}, &out)

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 3 {
		t.Errorf("expected exit code 3, got %v", err)
	}
}
