package firmware

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/security"
	"github.com/fly-io/fota-agent/pkg/shell"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// Extractor unpacks a downloaded archive into an existing directory.
type Extractor interface {
	Extract(ctx context.Context, archive, dir string) error
}

// CommandExtractor shells out to an unzip compatible tool.
type CommandExtractor struct {
	runner  shell.Runner
	command string
}

// NewCommandExtractor creates an extractor running `<command> <archive> -d <dir> -o`
func NewCommandExtractor(runner shell.Runner, command string) *CommandExtractor {
	if command == "" {
		command = "unzip"
	}
	return &CommandExtractor{runner: runner, command: command}
}

func (e *CommandExtractor) Extract(ctx context.Context, archive, dir string) error {
	res, err := e.runner.Run(ctx, filepath.Dir(archive), e.command, archive, "-d", dir, "-o")
	if err != nil {
		if res.Line != "" {
			return errors.Wrap(err, res.Line)
		}
		return err
	}
	return nil
}

// ArchiveExtractor unpacks zip and (optionally gzipped) tar packages in
// process, with security validation.
type ArchiveExtractor struct {
	limits security.Limits
}

// NewArchiveExtractor creates an in-process extractor bounded by limits
func NewArchiveExtractor(limits security.Limits) *ArchiveExtractor {
	return &ArchiveExtractor{limits: limits}
}

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
)

func (e *ArchiveExtractor) Extract(ctx context.Context, archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat package: %w", err)
	}

	head := make([]byte, 4)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind package: %w", err)
	}

	validator := security.NewValidator(e.limits)

	switch {
	case bytes.HasPrefix(head, zipMagic):
		slog.Info("extract_format", "archive", archive, "format", "zip")
		err = extractZip(ctx, f, fi.Size(), dir, validator)
	case bytes.HasPrefix(head, gzipMagic):
		slog.Info("extract_format", "archive", archive, "format", "tar.gz")
		gz, gzErr := gzip.NewReader(f)
		if gzErr != nil {
			return fmt.Errorf("gzip read error: %w", gzErr)
		}
		defer gz.Close()
		err = extractTar(ctx, gz, dir, validator)
	default:
		slog.Info("extract_format", "archive", archive, "format", "tar")
		err = extractTar(ctx, f, dir, validator)
	}
	if err != nil {
		return err
	}

	return validator.ValidateCompressionRatio(fi.Size())
}

func extractZip(ctx context.Context, r io.ReaderAt, size int64, dir string, v *security.Validator) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("zip read error: %w", err)
	}

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := v.ValidatePath(zf.Name); err != nil {
			return fmt.Errorf("invalid path in zip: %w", err)
		}
		target := filepath.Join(dir, zf.Name)
		mode := zf.Mode()

		switch {
		case mode.IsDir():
			if err := v.ValidateOnDisk(dir, zf.Name); err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

		case mode&fs.ModeSymlink != 0:
			rc, err := zf.Open()
			if err != nil {
				return fmt.Errorf("failed to open zip entry: %w", err)
			}
			link, err := io.ReadAll(io.LimitReader(rc, 4096))
			rc.Close()
			if err != nil {
				return fmt.Errorf("failed to read symlink entry: %w", err)
			}
			if err := writeSymlink(v, dir, zf.Name, string(link), target); err != nil {
				return err
			}

		default:
			rc, err := zf.Open()
			if err != nil {
				return fmt.Errorf("failed to open zip entry: %w", err)
			}
			err = writeFile(v, dir, zf.Name, target, int64(zf.UncompressedSize64), mode, rc)
			rc.Close()
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func extractTar(ctx context.Context, r io.Reader, dir string, v *security.Validator) error {
	tr := tar.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		if err := v.ValidatePath(header.Name); err != nil {
			return fmt.Errorf("invalid path in tar: %w", err)
		}
		target := filepath.Join(dir, header.Name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := v.ValidateOnDisk(dir, header.Name); err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := writeFile(v, dir, header.Name, target, header.Size, fs.FileMode(header.Mode), tr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := writeSymlink(v, dir, header.Name, header.Linkname, target); err != nil {
				return err
			}
		default:
			slog.Warn("extract_entry_skipped", "path", header.Name, "type", string(header.Typeflag))
		}
	}
}

func writeFile(v *security.Validator, dir, name, target string, size int64, mode fs.FileMode, r io.Reader) error {
	if err := v.ValidateOnDisk(dir, name); err != nil {
		return err
	}
	if err := v.AddFile(name, size); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	// Declared sizes are untrusted, read one byte past them to catch a lie.
	written, err := io.Copy(out, io.LimitReader(r, size+1))
	closeErr := out.Close()
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close file: %w", closeErr)
	}
	if written > size {
		return fmt.Errorf("security: entry %s larger than declared size %d", name, size)
	}
	return nil
}

func writeSymlink(v *security.Validator, dir, name, link, target string) error {
	if err := v.ValidateSymlink(name, link); err != nil {
		return fmt.Errorf("invalid symlink target: %w", err)
	}
	if err := v.ValidateOnDisk(dir, filepath.Dir(name)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}
	if err := os.Symlink(link, target); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to create symlink: %w", err)
	}
	return nil
}
