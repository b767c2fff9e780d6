package utils

import (
	"path/filepath"
	"strings"
)

// MIMEType derives the content type of a file from its extension.
// Unknown extensions fall back to application/octet-stream, which players
// generally accept for probing.
func MIMEType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	case ".mov":
		return "video/quicktime"
	case ".flv":
		return "video/x-flv"
	case ".ts":
		return "video/mp2t"
	case ".ogg", ".ogv":
		return "video/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	case ".srt":
		return "application/x-subrip"
	default:
		return "application/octet-stream"
	}
}
