// Package extraction implements C4: artifact-kind detection and archive
// extraction into the pipeline's temp workspace, hardened against path
// traversal on both tar and zip entries.
//
// Grounded on original_source/crc/src/extraction.rs for ArtifactKind
// detection, the extraction flow, and the tar path-traversal defense
// (extended here to zip entries too, since the original only hardens
// tar).
package extraction

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
)

// Kind identifies a recognized archive format.
type Kind int

const (
	KindUnknown Kind = iota
	KindZip
	KindTar
	KindTarGz
	KindSevenZ
	KindISO
	KindWIM
)

func (k Kind) String() string {
	switch k {
	case KindZip:
		return "zip"
	case KindTar:
		return "tar"
	case KindTarGz:
		return "tar.gz"
	case KindSevenZ:
		return "7z"
	case KindISO:
		return "iso"
	case KindWIM:
		return "wim"
	default:
		return "unknown"
	}
}

// Supported reports whether this kind can be automatically extracted.
func (k Kind) Supported() bool {
	return k == KindZip || k == KindTar || k == KindTarGz
}

// DetectKind classifies path by its file name suffix. Longest-match wins:
// ".tar.gz" is checked before ".tar" so a "name.tar.gz" file is never
// misclassified as a bare tar.
func DetectKind(path string) Kind {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".tar.gz"):
		return KindTarGz
	case strings.HasSuffix(name, ".tar"):
		return KindTar
	case strings.HasSuffix(name, ".zip"):
		return KindZip
	case strings.HasSuffix(name, ".7z"):
		return KindSevenZ
	case strings.HasSuffix(name, ".iso"):
		return KindISO
	case strings.HasSuffix(name, ".wim"):
		return KindWIM
	default:
		return KindUnknown
	}
}

// OriginalArtifact records provenance for an artifact that required
// extraction or raw preservation before pipeline processing.
type OriginalArtifact struct {
	Path                  string
	ArchiveType           string
	Size                  *int64
	ExtractedPath         string
	CleanupAfterProcessing bool
}

// PreparedArtifact is the result of preparing an incoming drop for pipeline
// processing.
type PreparedArtifact struct {
	ProcessingPath   string
	OriginalArtifact *OriginalArtifact
}

// PrepareArtifactForProcessing extracts supported archives into a fresh
// directory under extractTempDir, or passes directories and unrecognized
// files through unchanged. Archive kinds recognized but not supported for
// automatic extraction (7z/iso/wim) are preserved raw: the file is copied
// unchanged into the fresh directory and no warning is returned.
func PrepareArtifactForProcessing(path, extractTempDir string) (PreparedArtifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return PreparedArtifact{}, crcerrors.Wrap(crcerrors.CodeExtractionIO, "stat artifact path", err)
	}
	if info.IsDir() {
		return PreparedArtifact{ProcessingPath: path}, nil
	}

	kind := DetectKind(path)
	if kind == KindUnknown {
		return PreparedArtifact{ProcessingPath: path}, nil
	}

	if err := os.MkdirAll(extractTempDir, 0o755); err != nil {
		return PreparedArtifact{}, crcerrors.Wrap(crcerrors.CodeExtractionIO, "create extract temp root", err)
	}
	extractionDir := filepath.Join(extractTempDir, uuid.New().String())
	if err := os.MkdirAll(extractionDir, 0o755); err != nil {
		return PreparedArtifact{}, crcerrors.Wrap(crcerrors.CodeExtractionIO, "create extraction dir", err)
	}

	originalSize := info.Size()

	if !kind.Supported() {
		dest := filepath.Join(extractionDir, filepath.Base(path))
		if err := copyFile(path, dest); err != nil {
			return PreparedArtifact{}, crcerrors.Wrap(crcerrors.CodeExtractionIO, "preserve unsupported archive", err)
		}
		return PreparedArtifact{
			ProcessingPath: extractionDir,
			OriginalArtifact: &OriginalArtifact{
				Path:                   path,
				ArchiveType:            kind.String(),
				Size:                   &originalSize,
				ExtractedPath:          extractionDir,
				CleanupAfterProcessing: true,
			},
		}, nil
	}

	switch kind {
	case KindZip:
		if err := extractZip(path, extractionDir); err != nil {
			return PreparedArtifact{}, err
		}
	case KindTar:
		if err := extractTar(path, extractionDir, false); err != nil {
			return PreparedArtifact{}, err
		}
	case KindTarGz:
		if err := extractTar(path, extractionDir, true); err != nil {
			return PreparedArtifact{}, err
		}
	}

	return PreparedArtifact{
		ProcessingPath: extractionDir,
		OriginalArtifact: &OriginalArtifact{
			Path:                   path,
			ArchiveType:            kind.String(),
			Size:                   &originalSize,
			ExtractedPath:          extractionDir,
			CleanupAfterProcessing: true,
		},
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func extractZip(source, destination string) error {
	r, err := zip.OpenReader(source)
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeExtractionIO, "open zip archive", err)
	}
	defer r.Close()

	canonicalDest, err := canonicalDir(destination)
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeExtractionIO, "canonicalize destination", err)
	}

	for _, f := range r.File {
		target, err := safeJoin(canonicalDest, destination, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return crcerrors.Wrap(crcerrors.CodeExtractionIO, "create zip directory entry", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return crcerrors.Wrap(crcerrors.CodeExtractionIO, "create parent directory for zip entry", err)
		}

		rc, err := f.Open()
		if err != nil {
			return crcerrors.Wrap(crcerrors.CodeExtractionIO, "open zip entry", err)
		}
		mode := f.Mode()
		if mode == 0 {
			mode = 0o644
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			rc.Close()
			return crcerrors.Wrap(crcerrors.CodeExtractionIO, "create zip entry output file", err)
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		closeErr := out.Close()
		if copyErr != nil {
			return crcerrors.Wrap(crcerrors.CodeExtractionIO, "write zip entry contents", copyErr)
		}
		if closeErr != nil {
			return crcerrors.Wrap(crcerrors.CodeExtractionIO, "close zip entry output file", closeErr)
		}
	}
	return nil
}

func extractTar(source, destination string, gzipped bool) error {
	f, err := os.Open(source)
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeExtractionIO, "open tar archive", err)
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return crcerrors.Wrap(crcerrors.CodeExtractionIO, "open gzip stream", err)
		}
		defer gz.Close()
		r = gz
	}

	canonicalDest, err := canonicalDir(destination)
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeExtractionIO, "canonicalize destination", err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return crcerrors.Wrap(crcerrors.CodeExtractionIO, "read tar entry", err)
		}

		target, err := safeJoin(canonicalDest, destination, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return crcerrors.Wrap(crcerrors.CodeExtractionIO, "create tar directory entry", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return crcerrors.Wrap(crcerrors.CodeExtractionIO, "create parent directory for tar entry", err)
			}
			mode := os.FileMode(hdr.Mode)
			if mode == 0 {
				mode = 0o644
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return crcerrors.Wrap(crcerrors.CodeExtractionIO, "create tar entry output file", err)
			}
			_, copyErr := io.Copy(out, tr)
			closeErr := out.Close()
			if copyErr != nil {
				return crcerrors.Wrap(crcerrors.CodeExtractionIO, "write tar entry contents", copyErr)
			}
			if closeErr != nil {
				return crcerrors.Wrap(crcerrors.CodeExtractionIO, "close tar entry output file", closeErr)
			}
		default:
			// symlinks, hardlinks, devices, etc. are skipped; the pipeline
			// only ever needs regular files and directories.
		}
	}
	return nil
}

// canonicalDir resolves destination to an absolute, symlink-free path,
// creating it first if necessary so canonicalization has something to
// resolve.
func canonicalDir(destination string) (string, error) {
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(destination)
}

// safeJoin validates entryName component-by-component (rejecting ".."
// segments and absolute paths; "." segments are ignored) before joining it
// onto destination, then
// re-checks the resulting path stays within canonicalDest as a
// belt-and-suspenders defense against path traversal. Applied uniformly to
// both tar and zip entries.
func safeJoin(canonicalDest, destination, entryName string) (string, error) {
	cleaned := filepath.Clean(entryName)
	if filepath.IsAbs(cleaned) {
		return "", crcerrors.New(crcerrors.CodePathTraversal,
			fmt.Sprintf("absolute paths are not allowed in archive entries: %s", entryName))
	}

	parts := strings.Split(cleaned, string(filepath.Separator))
	for _, part := range parts {
		switch part {
		case "..":
			return "", crcerrors.New(crcerrors.CodePathTraversal,
				fmt.Sprintf("path traversal detected in archive entry: %s", entryName))
		case ".", "":
			continue
		}
	}

	target := filepath.Join(destination, cleaned)
	rel, err := filepath.Rel(canonicalDest, filepath.Clean(target))
	if err != nil {
		return "", crcerrors.Wrap(crcerrors.CodePathTraversal, "resolve entry path", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", crcerrors.New(crcerrors.CodePathTraversal,
			fmt.Sprintf("archive entry %s would extract outside destination", entryName))
	}
	return target, nil
}
