package constants

import "strings"

// AllowedExtensions holds the default allowed file extensions for scan intake.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"tiff": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsPDFExt reports whether the extension belongs to a PDF file.
func IsPDFExt(ext string) bool {
	return NormalizeExt(ext) == "pdf"
}

// IsImageExt reports whether the extension belongs to a raster image
// we can feed to the vision model without rasterizing first.
func IsImageExt(ext string) bool {
	switch NormalizeExt(ext) {
	case "jpg", "jpeg", "png", "tiff", "bmp":
		return true
	}
	return false
}
