package processor

import (
	"mime"
	"path/filepath"
	"strings"
)

// SanitizeFilename limpia un nombre de archivo de caracteres peligrosos
func SanitizeFilename(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		return "batch"
	}
	return s
}

// ContentTypeFor returns the MIME type delivered for a file name.
func ContentTypeFor(name string) string {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".zip":
		return "application/zip"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".pdf":
		return "application/pdf"
	case ".mp4":
		return "video/mp4"
	case ".scene":
		return "application/json"
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
		return "application/octet-stream"
	}
}

// ExtFromMime retorna la extensión de archivo apropiada para un MIME type
func ExtFromMime(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	switch mimeType {
	case "application/zip", "application/x-zip-compressed":
		return ".zip"
	case "application/json", "application/vnd.sceneforge.scene+json":
		return ".scene"
	default:
		return ""
	}
}
