package build

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/pipeline"
	"fmt"
	"strings"
)

// Profile is the container resources for a compute size.
type Profile struct {
	CPUs     float64
	MemoryMB int
}

var profiles = map[pipeline.ComputeSize]Profile{
	pipeline.ComputeSmall:  {CPUs: 2, MemoryMB: 3 * 1024},
	pipeline.ComputeMedium: {CPUs: 4, MemoryMB: 7 * 1024},
	pipeline.ComputeLarge:  {CPUs: 8, MemoryMB: 15 * 1024},
}

// ProfileFor returns the resources for size.
func ProfileFor(size pipeline.ComputeSize) (Profile, error) {
	p, ok := profiles[size]
	if !ok {
		return Profile{}, apperrors.Validation("compute", fmt.Sprintf("unknown compute size %q", size))
	}
	return p, nil
}

// ResolveImage maps an image class to a container image. A class that already
// looks like an image reference (contains ':' or '/') is used as is.
func ResolveImage(images map[string]string, class string) (string, error) {
	if image, ok := images[class]; ok {
		return image, nil
	}
	if strings.ContainsAny(class, ":/") {
		return class, nil
	}
	return "", apperrors.Validation("imageClass", fmt.Sprintf("unknown image class %q", class))
}
