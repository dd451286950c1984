// Package classify decides whether attachment bytes look like an invoice.
package classify

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// DefaultKeyword is used when no keywords are configured
const DefaultKeyword = "invoice"

// Classifier is a keyword gate over the decoded text of an attachment.
// It does no document understanding; image-only scans are rejected.
type Classifier struct {
	keywords []string
}

// New creates a classifier matching any of keywords, case-insensitively
func New(keywords ...string) *Classifier {
	c := &Classifier{}
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			c.keywords = append(c.keywords, k)
		}
	}
	if len(c.keywords) == 0 {
		c.keywords = []string{DefaultKeyword}
	}
	return c
}

// Classify reports whether data contains one of the keywords
func (c *Classifier) Classify(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	text := strings.ToLower(Decode(data))
	for _, k := range c.keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// Decode returns the lossy UTF-8 decoding of data followed by its
// byte-per-character Latin-1 decoding.
func Decode(data []byte) string {
	lossy := strings.ToValidUTF8(string(data), "�")

	raw, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		// every byte maps in ISO 8859-1
		return lossy
	}
	return lossy + string(raw)
}
