// Package security guards firmware package extraction against hostile archives.
package security

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Limits bounds what a single package may expand to.
type Limits struct {
	MaxFileSize         int64
	MaxTotalSize        int64
	MaxCompressionRatio float64
}

// Validator tracks one archive extraction. Create one per archive.
type Validator struct {
	limits    Limits
	extracted int64
}

// NewValidator creates a validator for a single archive
func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Limits returns the configured limits.
func (v *Validator) Limits() Limits {
	return v.limits
}

// ValidatePath rejects absolute entry names and names climbing out of the
// extraction directory.
func (v *Validator) ValidatePath(name string) error {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		slog.Error("package_path_rejected", "path", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}

	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("package_path_rejected", "path", name, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", name)
	}

	return nil
}

// ValidateSymlink resolves target relative to the link's directory and
// rejects it if the result leaves the extraction directory. Firmware
// packages are unpacked on the live root filesystem, so absolute targets are
// rejected as well.
func (v *Validator) ValidateSymlink(linkPath, target string) error {
	if filepath.IsAbs(target) {
		slog.Error("package_symlink_rejected", "symlink", linkPath, "target", target, "reason", "absolute_target")
		return fmt.Errorf("security: absolute symlink target not allowed: %s -> %s", linkPath, target)
	}

	resolved := filepath.Clean(filepath.Join(filepath.Dir(linkPath), target))
	if resolved == ".." || strings.HasPrefix(resolved, ".."+string(filepath.Separator)) {
		slog.Error("package_symlink_rejected", "symlink", linkPath, "target", target, "resolved", resolved)
		return fmt.Errorf("security: path traversal detected: symlink %s -> %s resolves to %s",
			linkPath, target, resolved)
	}

	return nil
}

// ValidateOnDisk rejects name if any already extracted component of it
// under root is a symlink. Lexical checks alone let a chain of links
// redirect later entries out of root.
func (v *Validator) ValidateOnDisk(root, name string) error {
	clean := filepath.Clean(name)
	if clean == "." {
		return nil
	}

	current := root
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		fi, err := os.Lstat(current)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("security: failed to inspect %s: %w", current, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			slog.Error("package_path_rejected", "path", name, "reason", "through_symlink", "symlink", current)
			return fmt.Errorf("security: entry %s is written through symlink %s", name, current)
		}
	}
	return nil
}

// AddFile accounts for a regular file entry of the given size.
func (v *Validator) AddFile(name string, size int64) error {
	if size > v.limits.MaxFileSize {
		slog.Error("package_file_too_large", "path", name, "size", size, "max_file_size", v.limits.MaxFileSize)
		return fmt.Errorf("security: file %s size %d exceeds max %d", name, size, v.limits.MaxFileSize)
	}

	v.extracted += size
	if v.extracted > v.limits.MaxTotalSize {
		slog.Error("package_total_size_exceeded", "total", v.extracted, "max_total_size", v.limits.MaxTotalSize)
		return fmt.Errorf("security: total extracted size %d exceeds max %d", v.extracted, v.limits.MaxTotalSize)
	}

	return nil
}

// Extracted returns the number of bytes accounted so far.
func (v *Validator) Extracted() int64 {
	return v.extracted
}

// ValidateCompressionRatio checks the expanded size against the archive size.
func (v *Validator) ValidateCompressionRatio(archiveSize int64) error {
	if archiveSize <= 0 {
		return fmt.Errorf("security: archive size must be positive")
	}

	ratio := float64(v.extracted) / float64(archiveSize)
	if ratio > v.limits.MaxCompressionRatio {
		slog.Error("package_compression_bomb",
			"ratio", ratio,
			"max_ratio", v.limits.MaxCompressionRatio,
			"archive_size", archiveSize,
			"extracted_size", v.extracted)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f", ratio, v.limits.MaxCompressionRatio)
	}

	return nil
}
