package outlook

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/invoice-ingest/internal/config"
	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/models"
	"github.com/Martian-dev/invoice-ingest/internal/sync"
)

const (
	graphScope        = "https://graph.microsoft.com/.default"
	maxPageSize       = 100
	defaultSearchSize = 500
)

var _ sync.Provider = (*Adapter)(nil)

// Adapter implements sync.Provider for Outlook/Microsoft Graph
type Adapter struct {
	endpoint    string
	limiter     *rate.Limiter
	searchLimit int
	now         func() time.Time
}

// New creates a new Outlook adapter
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
		limiter:     rate.NewLimiter(limit, 1),
		searchLimit: searchLimit,
		now:         time.Now,
	}
}

// Name identifies the provider
func (a *Adapter) Name() models.Provider { return models.ProviderOutlook }

// client builds a Graph client authorised with the sweep's access token
func (a *Adapter) client(accessToken string) (*msgraphsdk.GraphServiceClient, error) {
	cred := &staticTokenCredential{token: accessToken}
	// the token is only attached to hosts on this list
	var hosts []string
	if a.endpoint != "" {
		u, err := url.Parse(a.endpoint)
		if err != nil || u.Hostname() == "" {
			return nil, apiErr("create client", fmt.Errorf("invalid endpoint %q", a.endpoint))
		}
		hosts = []string{u.Hostname()}
	}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentialsAndHosts(cred, []string{graphScope}, hosts)
	if err != nil {
		return nil, apiErr("create client", err)
	}
	if a.endpoint != "" {
		client.GetAdapter().SetBaseUrl(strings.TrimRight(a.endpoint, "/"))
	}
	return client, nil
}

// wait blocks on the request limiter and reports failures as context errors
func (a *Adapter) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return nil
}

// Search lists messages from senders with attachments received within lookback
func (a *Adapter) Search(ctx context.Context, accessToken string, senders []string, lookback time.Duration) ([]sync.MessageRef, error) {
	if len(senders) == 0 {
		return nil, nil
	}
	client, err := a.client(accessToken)
	if err != nil {
		return nil, err
	}

	filter := BuildFilter(senders, a.now().Add(-lookback))
	top := int32(min(a.searchLimit, maxPageSize))
	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Filter: &filter,
			Select: []string{"id", "conversationId"},
			Top:    &top,
		},
	}

	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	page, err := client.Me().Messages().Get(ctx, requestConfig)
	if err != nil {
		return nil, apiErr("list messages", err)
	}

	var refs []sync.MessageRef
	for page != nil {
		for _, msg := range page.GetValue() {
			if id := deref(msg.GetId()); id != "" {
				refs = append(refs, sync.MessageRef{ID: id, ThreadID: deref(msg.GetConversationId())})
			}
			if len(refs) >= a.searchLimit {
				return refs, nil
			}
		}

		next := deref(page.GetOdataNextLink())
		if next == "" {
			break
		}
		if err := a.wait(ctx); err != nil {
			return nil, err
		}
		page, err = client.Me().Messages().WithUrl(next).Get(ctx, nil)
		if err != nil {
			return nil, apiErr("list messages", err)
		}
	}
	return refs, nil
}

// FetchDetail returns subject, sender and the file attachments of one
// message. File attachment bytes come back inline and are carried in Data.
func (a *Adapter) FetchDetail(ctx context.Context, accessToken string, ref sync.MessageRef) (*sync.MessageDetail, error) {
	client, err := a.client(accessToken)
	if err != nil {
		return nil, err
	}

	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	msg, err := client.Me().Messages().ByMessageId(ref.ID).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "conversationId", "subject", "from", "hasAttachments"},
		},
	})
	if err != nil {
		return nil, apiErr("get message", err)
	}

	detail := &sync.MessageDetail{
		Ref:     sync.MessageRef{ID: ref.ID, ThreadID: deref(msg.GetConversationId())},
		Subject: deref(msg.GetSubject()),
		Sender:  senderAddress(msg),
	}
	if detail.Ref.ThreadID == "" {
		detail.Ref.ThreadID = ref.ThreadID
	}
	if has := msg.GetHasAttachments(); has != nil && !*has {
		return detail, nil
	}

	builder := client.Me().Messages().ByMessageId(ref.ID).Attachments()
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	page, err := builder.Get(ctx, nil)
	for {
		if err != nil {
			return nil, apiErr("list attachments", err)
		}
		for _, att := range page.GetValue() {
			if r, ok := fileAttachment(att); ok {
				detail.Attachments = append(detail.Attachments, r)
			}
		}
		next := deref(page.GetOdataNextLink())
		if next == "" {
			return detail, nil
		}
		if err := a.wait(ctx); err != nil {
			return nil, err
		}
		page, err = builder.WithUrl(next).Get(ctx, nil)
	}
}

// DownloadAttachment returns the attachment bytes, fetching them when the
// listing did not carry them
func (a *Adapter) DownloadAttachment(ctx context.Context, accessToken string, ref sync.MessageRef, att sync.AttachmentRef) ([]byte, error) {
	if att.Data != nil {
		return att.Data, nil
	}
	client, err := a.client(accessToken)
	if err != nil {
		return nil, err
	}
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	item, err := client.Me().Messages().ByMessageId(ref.ID).Attachments().ByAttachmentId(att.ID).Get(ctx, nil)
	if err != nil {
		return nil, apiErr("get attachment", err)
	}
	file, ok := item.(graphmodels.FileAttachmentable)
	if !ok {
		return nil, apiErr("get attachment", fmt.Errorf("attachment %s is not a file", att.ID))
	}
	return file.GetContentBytes(), nil
}

// fileAttachment converts a Graph attachment. Item and reference
// attachments carry no file bytes and are skipped.
func fileAttachment(att graphmodels.Attachmentable) (sync.AttachmentRef, bool) {
	file, ok := att.(graphmodels.FileAttachmentable)
	if !ok {
		return sync.AttachmentRef{}, false
	}
	r := sync.AttachmentRef{
		ID:       deref(file.GetId()),
		FileName: deref(file.GetName()),
		MimeType: deref(file.GetContentType()),
		Data:     file.GetContentBytes(),
	}
	if size := file.GetSize(); size != nil {
		r.Size = int64(*size)
	}
	if r.Data != nil {
		r.Size = int64(len(r.Data))
	}
	return r, true
}

func senderAddress(msg graphmodels.Messageable) string {
	from := msg.GetFrom()
	if from == nil || from.GetEmailAddress() == nil {
		return ""
	}
	return models.NormalizeAddress(deref(from.GetEmailAddress().GetAddress()))
}

// BuildFilter builds the OData filter for senders received at or after since
func BuildFilter(senders []string, since time.Time) string {
	clauses := make([]string, 0, len(senders))
	for _, s := range senders {
		clauses = append(clauses, fmt.Sprintf("from/emailAddress/address eq '%s'", escapeOData(s)))
	}
	return fmt.Sprintf("receivedDateTime ge %s and hasAttachments eq true and (%s)",
		since.UTC().Format(time.RFC3339), strings.Join(clauses, " or "))
}

func escapeOData(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func apiErr(op string, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &errors.ErrProviderAPI{Provider: string(models.ProviderOutlook), Op: op, Err: err}
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
