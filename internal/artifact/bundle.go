package artifact

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrFileNotInBundle is returned by ReadFile when the bundle has no such entry.
var ErrFileNotInBundle = errors.New("file not found in bundle")

// PackDir writes srcDir as a gzip-compressed tar bundle. Entry names are relative to srcDir.
func PackDir(w io.Writer, srcDir string) error {
	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	err := filepath.Walk(srcDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to create tar header: %w", err)
		}
		header.Name = filepath.ToSlash(relPath)

		if info.IsDir() {
			return tarWriter.WriteHeader(header)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}
		file, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("failed to write file to tar: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}
	return gzWriter.Close()
}

// PackFiles writes an in-memory file set as a bundle, in name order.
func PackFiles(w io.Writer, files map[string][]byte) error {
	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := validatePath(name); err != nil {
			return fmt.Errorf("invalid bundle entry %q: %w", name, err)
		}
		data := files[name]
		header := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}
		if _, err := tarWriter.Write(data); err != nil {
			return fmt.Errorf("failed to write file to tar: %w", err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}
	return gzWriter.Close()
}

// Extract unpacks a bundle into destDir, rejecting entries that escape it.
func Extract(r io.Reader, destDir string) error {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		cleanName := filepath.Clean(header.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return fmt.Errorf("invalid path in bundle: %s", header.Name)
		}
		targetPath := filepath.Join(destDir, cleanName)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to extract file: %w", err)
			}
			outFile.Close()

		default:
			slog.Debug("Skipping bundle entry", "name", header.Name, "type", header.Typeflag)
		}
	}
	return nil
}

// ReadFile returns the contents of one regular file from a bundle.
func ReadFile(r io.Reader, name string) ([]byte, error) {
	want := path.Clean(strings.TrimPrefix(name, "./"))

	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %s", ErrFileNotInBundle, name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar header: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if path.Clean(strings.TrimPrefix(header.Name, "./")) == want {
			return io.ReadAll(tarReader)
		}
	}
}

// RepackOptions controls Repack.
type RepackOptions struct {
	// Compressed reports whether the input tar stream is gzip-compressed.
	Compressed bool
	// StripComponents drops this many leading path elements from every entry.
	// Entries left with an empty name are skipped.
	StripComponents int
}

// Repack rewrites a tar stream as a bundle, normalising entry names.
// Source archives carry a root folder and container copies carry the copied
// directory name; both are removed with StripComponents.
func Repack(w io.Writer, r io.Reader, opts RepackOptions) error {
	in := r
	if opts.Compressed {
		gzReader, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		in = gzReader
	}

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)
	tarReader := tar.NewReader(in)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}
		if header.Typeflag != tar.TypeReg && header.Typeflag != tar.TypeDir {
			continue
		}

		name := stripComponents(header.Name, opts.StripComponents)
		if name == "" {
			continue
		}
		if err := validatePath(name); err != nil {
			return fmt.Errorf("invalid path in archive: %s", header.Name)
		}

		out := &tar.Header{
			Name:     name,
			Mode:     header.Mode,
			Size:     header.Size,
			ModTime:  header.ModTime,
			Typeflag: header.Typeflag,
		}
		if header.Typeflag == tar.TypeDir {
			out.Size = 0
		}
		if err := tarWriter.WriteHeader(out); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}
		if header.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tarWriter, tarReader); err != nil {
				return fmt.Errorf("failed to copy entry %s: %w", header.Name, err)
			}
		}
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}
	return gzWriter.Close()
}

func stripComponents(name string, n int) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if n <= 0 {
		return name
	}
	parts := strings.Split(name, "/")
	if len(parts) <= n {
		return ""
	}
	return strings.Join(parts[n:], "/")
}
