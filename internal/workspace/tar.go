package workspace

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/devbenchd/devbenchd/internal/taxonomy"
)

// TarExport streams path as a gzip-compressed tar archive, filtered
// server-side by includeGlobs/excludeGlobs (matched with path.Match against
// each entry's name as the runtime's archive gives it, which begins with
// the exported path's base name, e.g. "src/main.go" when exporting
// /workspace/src).
func (g *Gateway) TarExport(ctx context.Context, containerID, requested string, includeGlobs, excludeGlobs []string) (io.ReadCloser, error) {
	resolved, err := resolvePath(requested)
	if err != nil {
		return nil, err
	}
	runtimeID, err := g.runtimeIDFor(containerID)
	if err != nil {
		return nil, err
	}

	rawTar, err := g.driver.CopyOut(ctx, runtimeID, resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", taxonomy.ErrNotFound, resolved)
	}

	pr, pw := io.Pipe()
	go func() {
		defer rawTar.Close()
		gz := gzip.NewWriter(pw)
		tw := tar.NewWriter(gz)
		err := filterTar(rawTar, tw, includeGlobs, excludeGlobs)
		tw.Close()
		gz.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func filterTar(src io.Reader, dst *tar.Writer, includeGlobs, excludeGlobs []string) error {
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if !matchesGlobs(hdr.Name, includeGlobs, excludeGlobs) {
			continue
		}
		if err := dst.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := io.Copy(dst, tr); err != nil {
			return err
		}
	}
}

func matchesGlobs(name string, includeGlobs, excludeGlobs []string) bool {
	for _, pattern := range excludeGlobs {
		if ok, _ := path.Match(pattern, name); ok {
			return false
		}
	}
	if len(includeGlobs) == 0 {
		return true
	}
	for _, pattern := range includeGlobs {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// ImportResult summarizes a tar_import batch.
type ImportResult struct {
	FilesWritten int
	BytesWritten int64
}

// TarImport unpacks stream into a staging directory beside dest, validates
// every entry stays within /workspace/dest and rejects absolute symlink
// targets, then atomically renames the staging directory into place. On
// any validation or extraction failure the staging directory is removed
// and no partial result is visible (§4.5's all-or-nothing contract).
func (g *Gateway) TarImport(ctx context.Context, containerID, dest string, stream io.Reader) (*ImportResult, error) {
	resolvedDest, err := resolvePath(dest)
	if err != nil {
		return nil, err
	}
	runtimeID, err := g.runtimeIDFor(containerID)
	if err != nil {
		return nil, err
	}

	stagingName := ".devbench-import-stage"
	stagingPath := path.Join(path.Dir(resolvedDest), stagingName)

	validated, result, err := validateAndBufferTar(stream, path.Base(resolvedDest))
	if err != nil {
		return nil, err
	}

	if _, _, err := g.execCapture(ctx, runtimeID, []string{"mkdir", "-p", stagingPath}); err != nil {
		return nil, fmt.Errorf("%w: creating staging directory: %s", taxonomy.ErrRuntimeError, err)
	}

	if err := g.driver.CopyIn(ctx, runtimeID, stagingPath, bytes.NewReader(validated)); err != nil {
		g.rollbackStaging(ctx, runtimeID, stagingPath)
		return nil, fmt.Errorf("%w: copying import archive in: %s", taxonomy.ErrRuntimeError, err)
	}

	innerStaged := path.Join(stagingPath, path.Base(resolvedDest))
	if _, exitCode, err := g.execCapture(ctx, runtimeID, []string{"mv", "-f", innerStaged, resolvedDest}); err != nil || exitCode != 0 {
		g.rollbackStaging(ctx, runtimeID, stagingPath)
		return nil, fmt.Errorf("%w: renaming staged import into place: %v", taxonomy.ErrRuntimeError, err)
	}
	g.rollbackStaging(ctx, runtimeID, stagingPath)

	return result, nil
}

func (g *Gateway) rollbackStaging(ctx context.Context, runtimeID, stagingPath string) {
	_, _, _ = g.execCapture(ctx, runtimeID, []string{"rm", "-rf", stagingPath})
}

// validateAndBufferTar re-wraps the incoming entries under a single
// top-level directory named rootName (so the staging dir, once renamed,
// becomes exactly dest) and rejects any entry that would escape it.
func validateAndBufferTar(stream io.Reader, rootName string) ([]byte, *ImportResult, error) {
	var out bytes.Buffer
	tw := tar.NewWriter(&out)
	result := &ImportResult{}

	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: reading import archive: %s", taxonomy.ErrRuntimeError, err)
		}

		cleaned := path.Clean(hdr.Name)
		if strings.HasPrefix(cleaned, "..") || path.IsAbs(cleaned) {
			return nil, nil, fmt.Errorf("%w: import entry %q escapes the destination", taxonomy.ErrPathViolation, hdr.Name)
		}
		if hdr.Typeflag == tar.TypeSymlink && path.IsAbs(hdr.Linkname) {
			return nil, nil, fmt.Errorf("%w: import entry %q has an absolute symlink target", taxonomy.ErrPathViolation, hdr.Name)
		}

		hdr.Name = path.Join(rootName, cleaned)
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, nil, fmt.Errorf("%w: %s", taxonomy.ErrInternal, err)
		}
		n, err := io.Copy(tw, tr)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", taxonomy.ErrInternal, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			result.FilesWritten++
			result.BytesWritten += n
		}
	}
	if err := tw.Close(); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", taxonomy.ErrInternal, err)
	}
	return out.Bytes(), result, nil
}
