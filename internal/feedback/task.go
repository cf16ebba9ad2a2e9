package feedback

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const defaultMaxPages = 20

var pageExts = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

var firstNumber = regexp.MustCompile(`\d+`)

// LoadTaskContext reads the task instructions from a .txt file, truncated to
// a bounded number of runes. An empty path or missing file yields "".
func LoadTaskContext(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".txt" {
		return "", fmt.Errorf("task context must be a .txt file, got %q", ext)
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(raw))
	if runes := []rune(text); len(runes) > maxContextRunes {
		text = string(runes[:maxContextRunes])
	}
	return text, nil
}

// LoadTaskPages reads up to max page images from dir, ordered by the first
// number in each file name. A missing directory yields no pages.
func LoadTaskPages(dir string, max int) ([]Image, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	if max <= 0 {
		max = defaultMaxPages
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := pageExts[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		ni, iok := pageNumber(names[i])
		nj, jok := pageNumber(names[j])
		if iok && jok && ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})
	if len(names) > max {
		names = names[:max]
	}
	pages := make([]Image, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		pages = append(pages, Image{
			Name:     name,
			MIMEType: pageExts[strings.ToLower(filepath.Ext(name))],
			Data:     data,
		})
	}
	return pages, nil
}

func pageNumber(name string) (int, bool) {
	m := firstNumber.FindString(name)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	return n, err == nil
}
