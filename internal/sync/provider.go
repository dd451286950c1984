package sync

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/Martian-dev/invoice-ingest/internal/models"
)

// MessageRef is a lightweight search result
type MessageRef struct {
	ID       string
	ThreadID string
}

// AttachmentRef identifies one attachment of a message. Data is set when the
// provider returned the bytes inline with the listing.
type AttachmentRef struct {
	ID       string
	FileName string
	MimeType string
	Size     int64
	Data     []byte
}

// MessageDetail is the metadata of one message plus its flattened attachments
type MessageDetail struct {
	Ref         MessageRef
	Subject     string
	Sender      string
	Attachments []AttachmentRef
}

// Provider is the provider-agnostic mailbox capability. Every call takes the
// access secret minted for the current sweep.
type Provider interface {
	// Name identifies the provider
	Name() models.Provider

	// Search returns messages from any of senders received within lookback
	// that carry at least one attachment
	Search(ctx context.Context, accessToken string, senders []string, lookback time.Duration) ([]MessageRef, error)

	// FetchDetail returns subject, sender and every attachment, however deeply nested
	FetchDetail(ctx context.Context, accessToken string, ref MessageRef) (*MessageDetail, error)

	// DownloadAttachment returns the decoded attachment bytes
	DownloadAttachment(ctx context.Context, accessToken string, ref MessageRef, att AttachmentRef) ([]byte, error)
}

// IsPDF reports whether an attachment is a PDF by mime type or extension
func IsPDF(att AttachmentRef) bool {
	mime := strings.ToLower(strings.TrimSpace(att.MimeType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "application/pdf" || mime == "application/x-pdf" {
		return true
	}
	return strings.EqualFold(path.Ext(att.FileName), ".pdf")
}
