package file

import (
	"os"
	"path/filepath"
	"strings"
)

// ReplaceExt swaps the extension of the final path element, appending ext
// when the name has none. A leading dot on ext is optional.
func ReplaceExt(path, ext string) string {
	if path == "" {
		return path
	}

	dir := filepath.Dir(path)
	filename := filepath.Base(path)

	lastDot := strings.LastIndex(filename, ".")

	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	if lastDot <= 0 {
		return filepath.Join(dir, filename+ext)
	}

	return filepath.Join(dir, filename[:lastDot]+ext)
}

// Ext returns the lowercased extension of the final path element, including
// the dot, or "" when the name has none.
func Ext(path string) string {
	return strings.ToLower(filepath.Ext(filepath.Base(path)))
}

// IsSystemFile reports whether name is an archive artifact that should never
// be treated as media: macOS resource forks and dotfiles.
func IsSystemFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(name, "__MACOSX") || strings.HasPrefix(base, "._") || strings.HasPrefix(base, ".")
}

// Exists reports whether path exists on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
