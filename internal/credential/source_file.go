package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	log "github.com/sirupsen/logrus"
)

var authFilePattern = regexp.MustCompile(`^auth-(\d+)\.json$`)

// FileSource reads auth-<N>.json files from a directory.
type FileSource struct {
	dir  string
	name string
}

// NewFileSource 构造文件来源。dir 应使用绝对路径或提前展开 ~。
func NewFileSource(dir string) *FileSource {
	clean := filepath.Clean(dir)
	return &FileSource{
		dir:  clean,
		name: "file:" + clean,
	}
}

// Dir 返回当前目录。
func (s *FileSource) Dir() string {
	return s.dir
}

func (s *FileSource) Name() string { return s.name }

func (s *FileSource) Mode() string { return "file" }

// Discover lists every auth-<N>.json in the directory. A missing directory
// yields an empty set, not an error.
func (s *FileSource) Discover(_ context.Context) ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("dir", s.dir).Warn("credential directory does not exist")
			return nil, nil
		}
		return nil, fmt.Errorf("read credential directory: %w", err)
	}
	var indices []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := authFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			continue
		}
		indices = append(indices, n)
	}
	return indices, nil
}

func (s *FileSource) Read(_ context.Context, index int) ([]byte, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("auth-%d.json", index))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
