package ezshare

import (
	"mime"
	"strings"
)

// ProbeResult is the outcome of one existence check. Exists=false implies Size=0.
type ProbeResult struct {
	Exists bool
	Size   int64
}

var missing = ProbeResult{}

// notFoundMediaType is what firmware 4.4.0 sends, with status 200, for paths
// that do not exist. Real files come back as text/plain with a Content-Length.
const notFoundMediaType = "text/html"

// Classify turns the headers of a HEAD or GET response into a ProbeResult.
// This is the only place that knows how the card disguises missing files.
func Classify(contentType string, contentLength int64) ProbeResult {
	if isNotFoundPage(contentType) {
		return missing
	}
	if contentLength < 0 {
		contentLength = 0
	}
	return ProbeResult{Exists: true, Size: contentLength}
}

func isNotFoundPage(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), notFoundMediaType)
	}
	return mt == notFoundMediaType
}
