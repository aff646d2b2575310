// Package build runs Build actions: a source bundle goes into an isolated
// workspace, the build commands run there, and the output directory comes back
// as the build artifact.
package build

import (
	"cdpipeline/internal/config"
	"strings"
	"time"
)

// Config holds configuration for the build runner.
type Config struct {
	Workspace      string            // workspace path inside the build container
	Images         map[string]string // image class -> container image
	ExtraHosts     []string          // extra /etc/hosts entries for build containers
	Network        string            // container network mode, empty for the daemon default
	PullImages     bool              // pull images that are missing locally
	RemoveTimeout  time.Duration     // budget for removing a finished container
	DefaultCommand string            // command run when a Build action lists none
}

// DefaultImages maps image classes to container images.
var DefaultImages = map[string]string{
	"amazonlinux2": "amazonlinux:2",
	"standard":     "ubuntu:22.04",
	"alpine":       "alpine:3.20",
}

// LoadConfigFromEnv loads build configuration from environment variables.
// BUILD_IMAGES adds or overrides classes as "class=image,class=image".
func LoadConfigFromEnv() Config {
	images := make(map[string]string, len(DefaultImages))
	for class, image := range DefaultImages {
		images[class] = image
	}
	for _, pair := range splitList(config.GetEnv("BUILD_IMAGES", "")) {
		if class, image, ok := strings.Cut(pair, "="); ok && class != "" && image != "" {
			images[strings.TrimSpace(class)] = strings.TrimSpace(image)
		}
	}

	return Config{
		Workspace:      config.GetEnv("BUILD_WORKSPACE", "/workspace"),
		Images:         images,
		ExtraHosts:     splitList(config.GetEnv("BUILD_EXTRA_HOSTS", "")),
		Network:        config.GetEnv("BUILD_NETWORK", ""),
		PullImages:     config.GetBoolEnv("BUILD_PULL_IMAGES", true),
		RemoveTimeout:  config.GetDurationEnv("BUILD_REMOVE_TIMEOUT", 30*time.Second),
		DefaultCommand: config.GetEnv("BUILD_DEFAULT_COMMAND", ""),
	}
}

func (c Config) withDefaults() Config {
	if c.Workspace == "" {
		c.Workspace = "/workspace"
	}
	if c.Images == nil {
		c.Images = DefaultImages
	}
	if c.RemoveTimeout <= 0 {
		c.RemoveTimeout = 30 * time.Second
	}
	return c
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
