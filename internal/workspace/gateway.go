// Package workspace implements the Workspace Gateway: path-contained
// read/write/stat/list/delete and tar import/export operations against a
// container's /workspace volume, implemented entirely over the Runtime
// Adapter's exec and copy primitives — never by reaching into the
// container's filesystem from the host.
package workspace

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/devbenchd/devbenchd/internal/runtime"
	"github.com/devbenchd/devbenchd/internal/store"
	"github.com/devbenchd/devbenchd/internal/taxonomy"
)

// containerResolver is the narrow slice of container.Manager the gateway
// needs to turn a container id/alias into a live runtime id.
type containerResolver interface {
	Resolve(idOrAlias string) (*store.Container, error)
}

// Gateway implements the Workspace Gateway operations.
type Gateway struct {
	driver     runtime.Driver
	containers containerResolver
}

func NewGateway(driver runtime.Driver, containers containerResolver) *Gateway {
	return &Gateway{driver: driver, containers: containers}
}

// Stat is the per-path metadata shape returned by stat/list/read.
type Stat struct {
	Path    string
	Size    int64
	MTime   time.Time
	IsDir   bool
	ETag    string
	MimeType string
}

func (g *Gateway) runtimeIDFor(idOrAlias string) (string, error) {
	c, err := g.containers.Resolve(idOrAlias)
	if err != nil {
		return "", err
	}
	return c.RuntimeID, nil
}

// execCapture runs a one-shot command inside the container and returns
// its combined stdout (stat/list/delete are all driven this way — the
// gateway never parses a separate wire protocol for filesystem metadata).
func (g *Gateway) execCapture(ctx context.Context, runtimeID string, argv []string) (string, int, error) {
	handle, err := g.driver.ExecCreate(ctx, runtimeID, runtime.ExecSpec{Argv: argv})
	if err != nil {
		return "", 0, err
	}
	streams, err := g.driver.ExecStart(ctx, handle)
	if err != nil {
		return "", 0, err
	}

	var out bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range streams.Stdout {
			out.Write(chunk.Data)
		}
	}()
	for range streams.Stderr {
		// drained, not surfaced: gateway commands report failure via exit code
	}
	<-done
	exitCode, err := streams.Wait(ctx)
	if err != nil {
		return out.String(), exitCode, err
	}
	return out.String(), exitCode, nil
}

// statHashScript prints the stat line first, then — only for regular files
// — a second line with the file's sha256 digest, so Stat can fold a
// content-identity component into the ETag without a second round trip
// for the common case.
const statHashScript = `s=$(stat -c "%s|%Y|%F" -- "$1") || exit 1
printf '%s\n' "$s"
if [ -f "$1" ]; then sha256sum -- "$1" | awk '{print $1}'; fi`

// Stat returns stat-level metadata for path, via a minimal in-container
// `stat` invocation per §4.5.
func (g *Gateway) Stat(ctx context.Context, containerID, requested string) (*Stat, error) {
	resolved, err := resolvePath(requested)
	if err != nil {
		return nil, err
	}
	runtimeID, err := g.runtimeIDFor(containerID)
	if err != nil {
		return nil, err
	}
	if err := g.containmentCheck(ctx, runtimeID, resolved); err != nil {
		return nil, err
	}

	out, exitCode, err := g.execCapture(ctx, runtimeID, []string{"sh", "-c", statHashScript, "sh", resolved})
	if err != nil {
		return nil, fmt.Errorf("%w: stat: %s", taxonomy.ErrRuntimeError, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("%w: %s", taxonomy.ErrNotFound, resolved)
	}

	lines := strings.SplitN(strings.TrimRight(out, "\n"), "\n", 2)
	hashPrefix := ""
	if len(lines) == 2 {
		hashPrefix = truncateHash(strings.TrimSpace(lines[1]))
	}
	return parseStatLine(resolved, lines[0], hashPrefix)
}

func parseStatLine(resolved, line, contentHashPrefix string) (*Stat, error) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: unexpected stat output %q", taxonomy.ErrInternal, line)
	}
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing size: %s", taxonomy.ErrInternal, err)
	}
	mtimeUnix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing mtime: %s", taxonomy.ErrInternal, err)
	}
	mtime := time.Unix(mtimeUnix, 0).UTC()
	isDir := strings.Contains(parts[2], "directory")
	return &Stat{
		Path:  resolved,
		Size:  size,
		MTime: mtime,
		IsDir: isDir,
		ETag:  computeETag(size, mtimeUnix, contentHashPrefix),
	}, nil
}

// computeETag is a deterministic function of (size, mtime in whole
// seconds, content_hash_prefix); sub-second mtime is not part of it.
// Two files with the same
// size and mtime but different content must not collide, hence folding in
// a content-derived component rather than hashing size/mtime alone.
func computeETag(size, mtimeUnix int64, contentHashPrefix string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s", size, mtimeUnix, contentHashPrefix)))
	return hex.EncodeToString(sum[:])[:16]
}

func truncateHash(full string) string {
	if len(full) > 16 {
		return full[:16]
	}
	return full
}

func contentHashPrefix(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:16]
}

// containmentCheck resolves resolved through any in-container symlinks and
// verifies the real path still stays under Root. resolvePath's lexical
// check only catches textual ".." segments — a symlink planted inside the
// workspace that targets outside it bypasses that check entirely, so every
// operation below also resolves the real path before touching it.
func (g *Gateway) containmentCheck(ctx context.Context, runtimeID, resolved string) error {
	out, _, err := g.execCapture(ctx, runtimeID, []string{
		"sh", "-c", `readlink -f -- "$1" 2>/dev/null || printf '%s' "$1"`, "sh", resolved,
	})
	if err != nil {
		return fmt.Errorf("%w: resolving symlinks: %s", taxonomy.ErrRuntimeError, err)
	}
	real := strings.TrimSpace(out)
	if real == "" {
		return nil
	}
	if real != Root && !strings.HasPrefix(real, Root+"/") {
		return fmt.Errorf("%w: %q resolves outside %s via a symlink", taxonomy.ErrPathViolation, resolved, Root)
	}
	return nil
}

// List returns directory entries with stat-level metadata, via a minimal
// in-container `find` invocation at depth 1.
func (g *Gateway) List(ctx context.Context, containerID, requested string) ([]Stat, error) {
	resolved, err := resolvePath(requested)
	if err != nil {
		return nil, err
	}
	runtimeID, err := g.runtimeIDFor(containerID)
	if err != nil {
		return nil, err
	}
	if err := g.containmentCheck(ctx, runtimeID, resolved); err != nil {
		return nil, err
	}

	out, exitCode, err := g.execCapture(ctx, runtimeID, []string{
		"find", resolved, "-mindepth", "1", "-maxdepth", "1", "-printf", "%p|%s|%T@|%y\n",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list: %s", taxonomy.ErrRuntimeError, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("%w: %s", taxonomy.ErrNotFound, resolved)
	}

	hashes, err := g.hashRegularFilesIn(ctx, runtimeID, resolved)
	if err != nil {
		hashes = nil // best-effort: fall back to size/mtime-only ETags rather than fail the listing
	}

	var entries []Stat
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		mtimeFloat, _ := strconv.ParseFloat(parts[2], 64)
		mtimeUnix := int64(mtimeFloat)
		entries = append(entries, Stat{
			Path:  parts[0],
			Size:  size,
			MTime: time.Unix(mtimeUnix, 0).UTC(),
			IsDir: parts[3] == "d",
			ETag:  computeETag(size, mtimeUnix, hashes[parts[0]]),
		})
	}
	return entries, nil
}

// hashRegularFilesIn returns a path -> sha256 prefix map for every regular
// file directly under dir, via a single follow-up exec rather than one
// round trip per entry.
func (g *Gateway) hashRegularFilesIn(ctx context.Context, runtimeID, dir string) (map[string]string, error) {
	out, _, err := g.execCapture(ctx, runtimeID, []string{
		"sh", "-c", `find -- "$1" -mindepth 1 -maxdepth 1 -type f -exec sha256sum {} +`, "sh", dir,
	})
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string)
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		idx := strings.IndexAny(line, " \t")
		if idx < 0 {
			continue
		}
		hash := line[:idx]
		filePath := strings.TrimLeft(line[idx:], " \t")
		hashes[filePath] = truncateHash(hash)
	}
	return hashes, nil
}

// Read returns the full content of a file, binary-safe, via copy_out.
func (g *Gateway) Read(ctx context.Context, containerID, requested string) ([]byte, *Stat, error) {
	resolved, err := resolvePath(requested)
	if err != nil {
		return nil, nil, err
	}
	runtimeID, err := g.runtimeIDFor(containerID)
	if err != nil {
		return nil, nil, err
	}
	if err := g.containmentCheck(ctx, runtimeID, resolved); err != nil {
		return nil, nil, err
	}

	tarStream, err := g.driver.CopyOut(ctx, runtimeID, resolved)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", taxonomy.ErrNotFound, resolved)
	}
	defer tarStream.Close()

	tr := tar.NewReader(tarStream)
	hdr, err := tr.Next()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("%w: %s", taxonomy.ErrNotFound, resolved)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading tar stream: %s", taxonomy.ErrRuntimeError, err)
	}

	content, err := io.ReadAll(tr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading file content: %s", taxonomy.ErrRuntimeError, err)
	}

	stat := &Stat{
		Path:     resolved,
		Size:     hdr.Size,
		MTime:    hdr.ModTime.UTC(),
		ETag:     computeETag(hdr.Size, hdr.ModTime.Unix(), contentHashPrefix(content)),
		MimeType: http.DetectContentType(content),
	}
	return content, stat, nil
}

// Write stores content at path atomically: a staged file is written into
// the same directory via copy_in, then renamed into place in a single
// in-container `mv`. If ifMatchETag is non-empty, the current ETag must
// match or the write fails with etag_conflict.
func (g *Gateway) Write(ctx context.Context, containerID, requested string, content []byte, ifMatchETag string) (*Stat, error) {
	resolved, err := resolvePath(requested)
	if err != nil {
		return nil, err
	}
	runtimeID, err := g.runtimeIDFor(containerID)
	if err != nil {
		return nil, err
	}

	if ifMatchETag != "" {
		current, err := g.Stat(ctx, containerID, requested)
		if err == nil && current.ETag != ifMatchETag {
			return nil, fmt.Errorf("%w: %s", taxonomy.ErrETagConflict, resolved)
		}
	}

	dir := path.Dir(resolved)
	base := path.Base(resolved)
	stagedName := ".devbench-stage-" + base

	if _, _, err := g.execCapture(ctx, runtimeID, []string{"mkdir", "-p", dir}); err != nil {
		return nil, fmt.Errorf("%w: creating parent directory: %s", taxonomy.ErrRuntimeError, err)
	}
	if err := g.containmentCheck(ctx, runtimeID, dir); err != nil {
		return nil, err
	}

	tarBuf, err := singleFileTar(stagedName, content)
	if err != nil {
		return nil, fmt.Errorf("%w: building tar archive: %s", taxonomy.ErrInternal, err)
	}
	if err := g.driver.CopyIn(ctx, runtimeID, dir, bytes.NewReader(tarBuf)); err != nil {
		return nil, fmt.Errorf("%w: copying staged file in: %s", taxonomy.ErrRuntimeError, err)
	}

	stagedPath := path.Join(dir, stagedName)
	if _, exitCode, err := g.execCapture(ctx, runtimeID, []string{"mv", "-f", stagedPath, resolved}); err != nil || exitCode != 0 {
		return nil, fmt.Errorf("%w: renaming staged file into place: %v", taxonomy.ErrRuntimeError, err)
	}

	return g.Stat(ctx, containerID, requested)
}

// Delete removes path. Directory deletion requires explicit recursion.
func (g *Gateway) Delete(ctx context.Context, containerID, requested string, recursive bool) error {
	resolved, err := resolvePath(requested)
	if err != nil {
		return err
	}
	runtimeID, err := g.runtimeIDFor(containerID)
	if err != nil {
		return err
	}
	if err := g.containmentCheck(ctx, runtimeID, resolved); err != nil {
		return err
	}

	var argv []string
	if recursive {
		argv = []string{"rm", "-rf", resolved}
	} else {
		argv = []string{"sh", "-c", "rmdir '" + resolved + "' 2>/dev/null || rm -f '" + resolved + "'"}
	}

	if _, exitCode, err := g.execCapture(ctx, runtimeID, argv); err != nil {
		return fmt.Errorf("%w: delete: %s", taxonomy.ErrRuntimeError, err)
	} else if exitCode != 0 {
		return fmt.Errorf("%w: %s", taxonomy.ErrNotFound, resolved)
	}
	return nil
}

func singleFileTar(name string, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(content)),
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
