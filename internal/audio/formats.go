package audio

import (
	"path/filepath"
	"strings"
)

// extensions accepted by the watch folder and upload handlers. Anything
// ffmpeg or sox can read would work; the list keeps sidecar files (JSON
// segments, results) out of the pipeline.
var extensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".aac":  true,
	".flac": true,
	".ogg":  true,
	".opus": true,
	".webm": true,
	".mp4":  true,
}

// Supported reports whether path has a recognized audio extension.
func Supported(path string) bool {
	return extensions[strings.ToLower(filepath.Ext(path))]
}

// BaseName strips the directory and audio extension from path.
func BaseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
