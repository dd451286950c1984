package sync

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Martian-dev/invoice-ingest/internal/artifact"
	"github.com/Martian-dev/invoice-ingest/internal/blob"
	"github.com/Martian-dev/invoice-ingest/internal/classify"
	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/eventstore/sqlite"
	"github.com/Martian-dev/invoice-ingest/internal/models"
)

type fakeProvider struct {
	mu sync.Mutex

	name    models.Provider
	refs    []MessageRef
	details map[string]*MessageDetail
	data    map[string][]byte

	searchErr   error
	detailErr   map[string]error
	downloadErr map[string]error
	onFetch     func()
	onSearch    func()

	searchCalls   int
	detailCalls   []string
	downloadCalls []string
	lastSenders   []string
	lastLookback  time.Duration
}

func newFakeProvider(name models.Provider) *fakeProvider {
	return &fakeProvider{
		name:        name,
		details:     make(map[string]*MessageDetail),
		data:        make(map[string][]byte),
		detailErr:   make(map[string]error),
		downloadErr: make(map[string]error),
	}
}

// addMessage registers a message with PDF attachments named by files
func (p *fakeProvider) addMessage(id, sender string, files map[string]string) {
	detail := &MessageDetail{Ref: MessageRef{ID: id, ThreadID: "t-" + id}, Subject: "Subject " + id, Sender: sender}
	for name, content := range files {
		attID := "att-" + name
		detail.Attachments = append(detail.Attachments, AttachmentRef{
			ID:       attID,
			FileName: name,
			MimeType: "application/pdf",
			Size:     int64(len(content)),
		})
		p.data[id+"/"+attID] = []byte(content)
	}
	p.refs = append(p.refs, detail.Ref)
	p.details[id] = detail
}

func (p *fakeProvider) Name() models.Provider { return p.name }

func (p *fakeProvider) Search(ctx context.Context, accessToken string, senders []string, lookback time.Duration) ([]MessageRef, error) {
	if p.onSearch != nil {
		p.onSearch()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.searchCalls++
	p.lastSenders = senders
	p.lastLookback = lookback
	if p.searchErr != nil {
		return nil, p.searchErr
	}
	return append([]MessageRef(nil), p.refs...), nil
}

func (p *fakeProvider) FetchDetail(ctx context.Context, accessToken string, ref MessageRef) (*MessageDetail, error) {
	if p.onFetch != nil {
		p.onFetch()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detailCalls = append(p.detailCalls, ref.ID)
	if err := p.detailErr[ref.ID]; err != nil {
		return nil, err
	}
	d, ok := p.details[ref.ID]
	if !ok {
		return nil, &errors.ErrProviderAPI{Provider: string(p.name), Op: "get message", Err: stderrors.New("not found")}
	}
	return d, nil
}

func (p *fakeProvider) DownloadAttachment(ctx context.Context, accessToken string, ref MessageRef, att AttachmentRef) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := ref.ID + "/" + att.ID
	p.downloadCalls = append(p.downloadCalls, key)
	if err := p.downloadErr[key]; err != nil {
		return nil, err
	}
	return p.data[key], nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.searchCalls + len(p.detailCalls) + len(p.downloadCalls)
}

type fakeRefresher struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls int
}

func (f *fakeRefresher) Refresh(ctx context.Context, account *models.EmailAccount) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[account.ID] {
		return "", &errors.ErrAuth{AccountID: account.ID, Err: stderrors.New("invalid_grant")}
	}
	return "access-" + account.ID, nil
}

type failingBlobs struct{}

func (failingBlobs) Put(ctx context.Context, path string, data []byte, contentType string) error {
	return stderrors.New("bucket unavailable")
}

func (failingBlobs) Close() error { return nil }

type testEnv struct {
	store     *sqlite.Store
	refresher *fakeRefresher
	persister *artifact.Persister
	blobs     blob.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFS(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	return &testEnv{
		store:     store,
		refresher: &fakeRefresher{fail: map[string]bool{}},
		persister: artifact.NewPersister(store, blobs, "invoices", zap.NewNop()),
		blobs:     blobs,
	}
}

func (e *testEnv) runner(p Provider) *Runner {
	return &Runner{
		Store:              e.store,
		Refresher:          e.refresher,
		Provider:           p,
		Classifier:         classify.New("invoice"),
		Persister:          e.persister,
		Logger:             zap.NewNop(),
		MaxAttachmentBytes: 25 << 20,
	}
}

func (e *testEnv) account(t *testing.T, userID string, provider models.Provider, senders ...string) *models.EmailAccount {
	t.Helper()
	ctx := context.Background()
	a := &models.EmailAccount{
		UserID:             userID,
		Provider:           provider,
		Address:            userID + "@" + string(provider) + ".test",
		SealedRefreshToken: "sealed",
		SyncEnabled:        true,
	}
	require.NoError(t, e.store.UpsertAccount(ctx, a))
	for _, s := range senders {
		require.NoError(t, e.store.AddAllowedSender(ctx, &models.SupplierAllowEntry{AccountID: a.ID, SenderEmail: s}))
	}
	return a
}

func onDemand() SweepOptions {
	return SweepOptions{Trigger: TriggerOnDemand, MaxMessages: 50, Lookback: 90 * 24 * time.Hour, Timeout: time.Minute}
}
