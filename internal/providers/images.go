package providers

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// sniffImageMIME returns the image MIME type, defaulting to JPEG for anything unrecognised.
func sniffImageMIME(data []byte) string {
	ct := http.DetectContentType(data)
	if strings.HasPrefix(ct, "image/") {
		return ct
	}
	return "image/jpeg"
}

// dataURL encodes an image as a base64 data URL.
func dataURL(data []byte) string {
	return "data:" + sniffImageMIME(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}
