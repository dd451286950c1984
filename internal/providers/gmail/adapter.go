package gmail

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/invoice-ingest/internal/config"
	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/models"
	"github.com/Martian-dev/invoice-ingest/internal/sync"
)

const (
	user              = "me"
	maxPageSize       = 500
	defaultSearchSize = 500
)

var errStopPaging = stderrors.New("stop paging")

var _ sync.Provider = (*Adapter)(nil)

// Adapter implements sync.Provider for Gmail
type Adapter struct {
	endpoint    string
	base        http.RoundTripper
	limiter     *rate.Limiter
	searchLimit int
}

// New creates a new Gmail adapter
func New(cfg config.ProviderConfig) *Adapter {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	searchLimit := cfg.SearchLimit
	if searchLimit <= 0 {
		searchLimit = defaultSearchSize
	}
	return &Adapter{
		endpoint:    cfg.Endpoint,
		base:        http.DefaultTransport,
		limiter:     rate.NewLimiter(limit, 1),
		searchLimit: searchLimit,
	}
}

// Name identifies the provider
func (a *Adapter) Name() models.Provider { return models.ProviderGmail }

// service builds a Gmail client authorised with the sweep's access token
func (a *Adapter) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   a.base,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, apiErr("create service", err)
	}
	return svc, nil
}

// wait blocks on the request limiter. Failures always surface as context
// errors so cancellation is never reported as a provider fault.
func (a *Adapter) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return nil
}

// Search lists messages from senders with a PDF attachment within lookback
func (a *Adapter) Search(ctx context.Context, accessToken string, senders []string, lookback time.Duration) ([]sync.MessageRef, error) {
	if len(senders) == 0 {
		return nil, nil
	}
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	pageSize := int64(min(a.searchLimit, maxPageSize))
	call := svc.Users.Messages.List(user).
		Q(BuildQuery(senders, lookback)).
		IncludeSpamTrash(false).
		MaxResults(pageSize)

	var refs []sync.MessageRef
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	err = call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			refs = append(refs, sync.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
			if len(refs) >= a.searchLimit {
				return errStopPaging
			}
		}
		if page.NextPageToken != "" {
			return a.wait(ctx)
		}
		return nil
	})
	if err != nil && !stderrors.Is(err, errStopPaging) {
		return nil, apiErr("list messages", err)
	}
	return refs, nil
}

// FetchDetail returns the headers and flattened attachments of one message
func (a *Adapter) FetchDetail(ctx context.Context, accessToken string, ref sync.MessageRef) (*sync.MessageDetail, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	msg, err := svc.Users.Messages.Get(user, ref.ID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, apiErr("get message", err)
	}

	detail := &sync.MessageDetail{
		Ref: sync.MessageRef{ID: msg.Id, ThreadID: msg.ThreadId},
	}
	if detail.Ref.ID == "" {
		detail.Ref = ref
	}
	if msg.Payload == nil {
		return detail, nil
	}

	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			detail.Subject = h.Value
		case "from":
			detail.Sender = ParseSender(h.Value)
		}
	}

	attachments, err := attachmentParts(msg.Id, msg.Payload)
	if err != nil {
		return nil, apiErr("decode message", err)
	}
	detail.Attachments = attachments
	return detail, nil
}

// DownloadAttachment returns the decoded attachment bytes
func (a *Adapter) DownloadAttachment(ctx context.Context, accessToken string, ref sync.MessageRef, att sync.AttachmentRef) ([]byte, error) {
	if att.Data != nil {
		return att.Data, nil
	}
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	body, err := svc.Users.Messages.Attachments.Get(user, ref.ID, att.ID).Context(ctx).Do()
	if err != nil {
		return nil, apiErr("get attachment", err)
	}
	data, err := DecodeBase64(body.Data)
	if err != nil {
		return nil, apiErr("decode attachment", err)
	}
	return data, nil
}

// attachmentParts walks the MIME tree and returns every part carrying a
// file. A message whose whole body is a PDF yields that body.
func attachmentParts(messageID string, root *gmail.MessagePart) ([]sync.AttachmentRef, error) {
	var out []sync.AttachmentRef
	stack := []*gmail.MessagePart{root}
	for len(stack) > 0 {
		part := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if part == nil {
			continue
		}
		for i := len(part.Parts) - 1; i >= 0; i-- {
			stack = append(stack, part.Parts[i])
		}
		if part.Body == nil || len(part.Parts) > 0 {
			continue
		}

		wholeBodyPDF := part == root && isPDFMime(part.MimeType)
		if part.Filename == "" && part.Body.AttachmentId == "" && !wholeBodyPDF {
			continue
		}

		att := sync.AttachmentRef{
			ID:       part.Body.AttachmentId,
			FileName: part.Filename,
			MimeType: part.MimeType,
			Size:     part.Body.Size,
		}
		if att.ID == "" {
			att.ID = part.PartId
		}
		if att.FileName == "" {
			att.FileName = defaultFileName(messageID, part)
		}
		if part.Body.AttachmentId == "" {
			// inline body: nothing to fetch, even when it is empty
			data, err := DecodeBase64(part.Body.Data)
			if err != nil {
				return nil, fmt.Errorf("part %s: %w", part.PartId, err)
			}
			if data == nil {
				data = []byte{}
			}
			att.Data = data
			att.Size = int64(len(data))
		}
		out = append(out, att)
	}
	return out, nil
}

func defaultFileName(messageID string, part *gmail.MessagePart) string {
	if isPDFMime(part.MimeType) {
		return messageID + ".pdf"
	}
	if part.PartId != "" {
		return messageID + "-" + part.PartId
	}
	return messageID
}

func isPDFMime(mime string) bool {
	return strings.EqualFold(strings.TrimSpace(mime), "application/pdf")
}

// BuildQuery builds the Gmail search expression for senders within lookback
func BuildQuery(senders []string, lookback time.Duration) string {
	froms := make([]string, 0, len(senders))
	for _, s := range senders {
		froms = append(froms, "from:"+s)
	}
	return fmt.Sprintf("(%s) has:attachment filename:pdf newer_than:%dd", strings.Join(froms, " OR "), lookbackDays(lookback))
}

func lookbackDays(lookback time.Duration) int {
	days := int((lookback + 24*time.Hour - 1) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return days
}

// ParseSender extracts the address from a From header
func ParseSender(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return models.NormalizeAddress(addr.Address)
	}
	if i, j := strings.LastIndexByte(from, '<'), strings.LastIndexByte(from, '>'); i >= 0 && j > i {
		return models.NormalizeAddress(from[i+1 : j])
	}
	return models.NormalizeAddress(from)
}

// DecodeBase64 decodes Gmail's URL-safe base64, padded or not
func DecodeBase64(s string) ([]byte, error) {
	s = strings.NewReplacer("-", "+", "_", "/", "\n", "", "\r", "").Replace(strings.TrimRight(s, "="))
	if n := len(s) % 4; n != 0 {
		s += strings.Repeat("=", 4-n)
	}
	return base64.StdEncoding.DecodeString(s)
}

func apiErr(op string, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &errors.ErrProviderAPI{Provider: string(models.ProviderGmail), Op: op, Err: err}
}
