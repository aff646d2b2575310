package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func rawTar(t *testing.T, compressed bool, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	var tw *tar.Writer
	var gz *gzip.Writer
	if compressed {
		gz = gzip.NewWriter(&buf)
		tw = tar.NewWriter(gz)
	} else {
		tw = tar.NewWriter(&buf)
	}
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	tw.Close()
	if gz != nil {
		gz.Close()
	}
	return &buf
}

func TestPackFilesReadFile(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := PackFiles(&buf, map[string][]byte{
		"deploy.tmpl":    []byte("Resources: {}"),
		"nested/app.txt": []byte("hello"),
	})
	if err != nil {
		t.Fatalf("PackFiles() error = %v", err)
	}

	data, err := ReadFile(bytes.NewReader(buf.Bytes()), "./nested/app.txt")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Expected 'hello', got %q", data)
	}

	_, err = ReadFile(bytes.NewReader(buf.Bytes()), "missing.yml")
	if !errors.Is(err, ErrFileNotInBundle) {
		t.Errorf("Expected ErrFileNotInBundle, got %v", err)
	}
}

func TestPackFiles_RejectsTraversal(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := PackFiles(&buf, map[string][]byte{"../etc/passwd": nil}); err == nil {
		t.Error("Expected error for traversal entry")
	}
}

func TestPackDirExtract(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "templates"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "templates", "stack.yml"), []byte("Resources: {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := PackDir(&buf, src); err != nil {
		t.Fatalf("PackDir() error = %v", err)
	}

	dest := t.TempDir()
	if err := Extract(bytes.NewReader(buf.Bytes()), dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dest, "templates", "stack.yml"))
	if err != nil {
		t.Fatalf("Failed to read extracted file: %v", err)
	}
	if string(content) != "Resources: {}" {
		t.Errorf("Expected template content, got %q", content)
	}
}

func TestExtract_RejectsTraversal(t *testing.T) {
	t.Parallel()
	archive := rawTar(t, true, map[string]string{"../../evil.txt": "x"})
	if err := Extract(archive, t.TempDir()); err == nil {
		t.Error("Expected error for path traversal")
	}
}

func TestRepack(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		compressed bool
		strip      int
		files      map[string]string
		want       string
		content    string
	}{
		{
			name:       "github tarball root folder",
			compressed: true,
			strip:      1,
			files:      map[string]string{"fxaa-aws-infra-poc-abc123/buildspec.yml": "phases: {}"},
			want:       "buildspec.yml",
			content:    "phases: {}",
		},
		{
			name:    "container copy of output dir",
			strip:   1,
			files:   map[string]string{"dist/TestPipeline-Changes.yml": "Resources: {}"},
			want:    "TestPipeline-Changes.yml",
			content: "Resources: {}",
		},
		{
			name:    "no strip",
			files:   map[string]string{"a/b.txt": "b"},
			want:    "a/b.txt",
			content: "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			err := Repack(&out, rawTar(t, tt.compressed, tt.files), RepackOptions{Compressed: tt.compressed, StripComponents: tt.strip})
			if err != nil {
				t.Fatalf("Repack() error = %v", err)
			}
			data, err := ReadFile(&out, tt.want)
			if err != nil {
				t.Fatalf("ReadFile(%s) error = %v", tt.want, err)
			}
			if string(data) != tt.content {
				t.Errorf("Expected %q, got %q", tt.content, data)
			}
		})
	}
}

func TestStripComponents(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"root/", 1, ""},
		{"root/a.txt", 1, "a.txt"},
		{"root/x/y.txt", 2, "y.txt"},
		{"./a.txt", 0, "a.txt"},
	}
	for _, tt := range tests {
		if got := stripComponents(tt.in, tt.n); got != tt.want {
			t.Errorf("stripComponents(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
