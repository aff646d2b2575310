package artifact

import (
	"cdpipeline/internal/apperrors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateName checks that name can be used as an artifact identity and storage key segment.
func ValidateName(field, name string) error {
	if name == "" {
		return apperrors.Validation(field, fmt.Sprintf("%s: artifact name is required", field))
	}
	if !namePattern.MatchString(name) {
		return apperrors.Validation(field, fmt.Sprintf("%s: invalid artifact name %q (alphanumeric, '.', '_', '-', max 128 chars)", field, name))
	}
	return nil
}

// ValidatePath checks that path is a relative path that stays inside a bundle.
func ValidatePath(field, path string) error {
	if path == "" {
		return apperrors.Validation(field, fmt.Sprintf("%s: path is required", field))
	}
	if err := validatePath(path); err != nil {
		return apperrors.Validation(field, fmt.Sprintf("%s: invalid path: %v", field, err))
	}
	return nil
}

func validatePath(path string) error {
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative, not absolute")
	}

	cleaned := filepath.Clean(path)
	if strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("path traversal not allowed")
	}

	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}

	return nil
}
