package errors

import (
	"regexp"
	"strings"
	"unicode"
)

// ValidateNodeName validates a node name used as a folding config key.
// Node names are produced by the renaming pass as "<OpType>_<n>", but
// hand-written models and folding files may contain anything, so only the
// characters that would break JSON keys or file names are rejected.
func ValidateNodeName(name string) error {
	if name == "" {
		return New(ErrCodeInvalidModel, "node name cannot be empty")
	}

	if len(name) > 256 {
		return New(ErrCodeInvalidModel, "node name too long (max 256 characters)")
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return New(ErrCodeInvalidModel, "node name contains invalid control characters")
		}
	}

	if strings.ContainsAny(name, "/\\") {
		return New(ErrCodeInvalidModel, "node name cannot contain path separators: %q", name)
	}

	return nil
}

// ValidateOutputDir validates a build output directory.
//
// Validation rules:
//   - Path cannot be empty
//   - Maximum length of 500 characters
//   - No null bytes or control characters
func ValidateOutputDir(path string) error {
	if path == "" {
		return New(ErrCodeInvalidPath, "output directory cannot be empty")
	}

	const maxPathLength = 500
	if len(path) > maxPathLength {
		return New(ErrCodeInvalidPath, "path too long (max %d characters)", maxPathLength)
	}

	for _, r := range path {
		if r == '\x00' || unicode.IsControl(r) {
			return New(ErrCodeInvalidPath, "path contains invalid characters")
		}
	}

	return nil
}

// ValidateRelativePath validates a path that must stay inside a base
// directory, such as an intermediate model file name or an API-supplied
// folding file reference.
func ValidateRelativePath(path string) error {
	if err := ValidateOutputDir(path); err != nil {
		return err
	}

	if strings.HasPrefix(path, "/") {
		return New(ErrCodeInvalidPath, "path must be relative (cannot start with /)")
	}

	if strings.Contains(path, "..") {
		return New(ErrCodeInvalidPath, "path cannot contain path traversal sequences (..)")
	}

	if strings.Contains(path, "\\") {
		return New(ErrCodeInvalidPath, "path cannot contain backslashes")
	}

	return nil
}

// fpgaPartRegex matches Xilinx part identifiers such as xc7z020clg400-1 or
// xcu250-figd2104-2L-e.
var fpgaPartRegex = regexp.MustCompile(`^xc[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidateFPGAPart validates an FPGA part identifier.
func ValidateFPGAPart(part string) error {
	if part == "" {
		return New(ErrCodeInvalidConfig, "fpga part cannot be empty")
	}

	if !fpgaPartRegex.MatchString(strings.ToLower(part)) {
		return New(ErrCodeInvalidConfig, "invalid fpga part: %q", part)
	}

	return nil
}
