package archive

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestNewExcludeMatcher(t *testing.T) {
	t.Run("skips blank fragments and trims slashes", func(t *testing.T) {
		t.Parallel()
		m := NewExcludeMatcher([]string{"", "  ", "/data/"})
		if len(m.patterns) != 1 {
			t.Fatalf("expected 1 pattern, got %d", len(m.patterns))
		}
		if m.patterns[0].pattern != "data" {
			t.Errorf("expected data, got %s", m.patterns[0].pattern)
		}
	})

	t.Run("classifies path vs component fragments", func(t *testing.T) {
		t.Parallel()
		m := NewExcludeMatcher([]string{"data", "env/build"})
		if m.patterns[0].matchPath {
			t.Error("data should not be a path pattern")
		}
		if !m.patterns[1].matchPath {
			t.Error("env/build should be a path pattern")
		}
	})
}

func TestExcludeMatcher_Match(t *testing.T) {
	tests := []struct {
		name         string
		fragments    []string
		relativePath string
		want         bool
	}{
		{
			name:         "component matches top-level directory",
			fragments:    []string{"data"},
			relativePath: "data",
			want:         true,
		},
		{
			name:         "component matches contents of directory",
			fragments:    []string{"data"},
			relativePath: filepath.Join("data", "mysql", "ibdata1"),
			want:         true,
		},
		{
			name:         "component matches nested directory",
			fragments:    []string{"data"},
			relativePath: filepath.Join("env", "data", "x"),
			want:         true,
		},
		{
			name:         "component does not match partial name",
			fragments:    []string{"data"},
			relativePath: filepath.Join("metadata", "x"),
			want:         false,
		},
		{
			name:         "glob component",
			fragments:    []string{"*.pyc"},
			relativePath: filepath.Join("plugins", "mod.pyc"),
			want:         true,
		},
		{
			name:         "path fragment matches from root",
			fragments:    []string{"env/build"},
			relativePath: filepath.Join("env", "build", "Dockerfile"),
			want:         true,
		},
		{
			name:         "path fragment does not match elsewhere",
			fragments:    []string{"env/build"},
			relativePath: filepath.Join("other", "env", "build"),
			want:         false,
		},
		{
			name:         "no fragments",
			fragments:    nil,
			relativePath: "config.yml",
			want:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewExcludeMatcher(tt.fragments)
			if got := m.Match(tt.relativePath); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.relativePath, got, tt.want)
			}
		})
	}
}

func TestExcludeMatcher_TarArgs(t *testing.T) {
	m := NewExcludeMatcher([]string{"data", "env/build"})
	want := []string{"--exclude=data", "--exclude=env/build"}
	if got := m.TarArgs(); !reflect.DeepEqual(got, want) {
		t.Errorf("TarArgs() = %v, want %v", got, want)
	}
}
