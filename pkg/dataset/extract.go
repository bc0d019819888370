package dataset

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"
)

// ArchiveKind selects the extraction tool.
type ArchiveKind string

const (
	ArchiveNone ArchiveKind = ""
	ArchiveZip  ArchiveKind = "zip"
	ArchiveTar  ArchiveKind = "tar"
)

// Extension returns the lower-cased extension of a file name or URL path,
// ignoring any query string. ".tar.gz" is kept whole.
func Extension(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	base := strings.ToLower(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if strings.HasSuffix(base, ".tar.gz") {
		return ".tar.gz"
	}
	return path.Ext(base)
}

// KindOf classifies a file by extension.
func KindOf(name string) ArchiveKind {
	switch Extension(name) {
	case ".zip":
		return ArchiveZip
	case ".tar", ".tar.gz", ".tgz", ".gz":
		return ArchiveTar
	default:
		return ArchiveNone
	}
}

// extractCommand builds the unpack command for kind.
func extractCommand(ctx context.Context, kind ArchiveKind, archive, dir string) (*exec.Cmd, error) {
	switch kind {
	case ArchiveZip:
		return exec.CommandContext(ctx, "unzip", "-q", archive, "-d", dir), nil
	case ArchiveTar:
		return exec.CommandContext(ctx, "tar", "-xf", archive, "-C", dir), nil
	default:
		return nil, fmt.Errorf("%s is not an archive", archive)
	}
}

// Extract unpacks archive into dir with the external tool for its kind.
func Extract(ctx context.Context, archive, dir string) error {
	cmd, err := extractCommand(ctx, KindOf(archive), archive, dir)
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", cmd.Args[0], err, msg)
		}
		return fmt.Errorf("%s: %w", cmd.Args[0], err)
	}
	return nil
}
