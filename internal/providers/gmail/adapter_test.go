package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/invoice-ingest/internal/config"
	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/sync"
)

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc, searchLimit int) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.ProviderConfig{Endpoint: srv.URL + "/", SearchLimit: searchLimit})
}

func TestBuildQuery(t *testing.T) {
	q := BuildQuery([]string{"a@x.com", "b@y.com"}, 7*24*time.Hour)
	assert.Equal(t, "(from:a@x.com OR from:b@y.com) has:attachment filename:pdf newer_than:7d", q)

	assert.Contains(t, BuildQuery([]string{"a@x.com"}, 36*time.Hour), "newer_than:2d")
	assert.Contains(t, BuildQuery([]string{"a@x.com"}, 0), "newer_than:1d")
}

func TestParseSender(t *testing.T) {
	assert.Equal(t, "billing@acme.com", ParseSender(`"Acme Billing" <Billing@Acme.com>`))
	assert.Equal(t, "billing@acme.com", ParseSender("billing@acme.com"))
	assert.Equal(t, "ops@vendor.io", ParseSender("Broken, Name <ops@vendor.io>"))
}

func TestDecodeBase64(t *testing.T) {
	raw := []byte{0xfb, 0xff, 0xfe, 'p', 'd', 'f'}
	for _, enc := range []string{
		base64.URLEncoding.EncodeToString(raw),
		base64.RawURLEncoding.EncodeToString(raw),
		base64.StdEncoding.EncodeToString(raw),
	} {
		got, err := DecodeBase64(enc)
		require.NoError(t, err, enc)
		assert.Equal(t, raw, got)
	}

	_, err := DecodeBase64("!!!")
	assert.Error(t, err)
}

func TestSearch_PagesUntilLimit(t *testing.T) {
	var calls atomic.Int32
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "(from:a@x.com) has:attachment filename:pdf newer_than:90d", r.URL.Query().Get("q"))

		calls.Add(1)
		switch r.URL.Query().Get("pageToken") {
		case "":
			writeJSON(t, w, map[string]any{
				"messages":      []map[string]string{{"id": "m1", "threadId": "t1"}, {"id": "m2", "threadId": "t2"}},
				"nextPageToken": "p2",
			})
		case "p2":
			writeJSON(t, w, map[string]any{
				"messages":      []map[string]string{{"id": "m3", "threadId": "t3"}, {"id": "m4", "threadId": "t4"}},
				"nextPageToken": "p3",
			})
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("pageToken"))
		}
	}, 3)

	refs, err := adapter.Search(context.Background(), "tok", []string{"a@x.com"}, 90*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, []sync.MessageRef{{ID: "m1", ThreadID: "t1"}, {ID: "m2", ThreadID: "t2"}, {ID: "m3", ThreadID: "t3"}}, refs)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearch_NoSendersMakesNoCall(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	}, 0)

	refs, err := adapter.Search(context.Background(), "tok", nil, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestSearch_APIError(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"invalid credentials"}}`))
	}, 0)

	_, err := adapter.Search(context.Background(), "tok", []string{"a@x.com"}, time.Hour)

	var apiErr *errors.ErrProviderAPI
	require.True(t, stderrors.As(err, &apiErr))
	assert.Equal(t, "gmail", apiErr.Provider)
	assert.Equal(t, "list messages", apiErr.Op)
}

func TestFetchDetail_FlattensNestedParts(t *testing.T) {
	inline := base64.URLEncoding.EncodeToString([]byte("%PDF inline invoice"))
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/messages/m1", r.URL.Path)
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		writeJSON(t, w, map[string]any{
			"id":       "m1",
			"threadId": "t1",
			"payload": map[string]any{
				"mimeType": "multipart/mixed",
				"headers": []map[string]string{
					{"name": "Subject", "value": "Your invoice"},
					{"name": "From", "value": "Acme <Billing@Acme.com>"},
				},
				"body": map[string]any{"size": 0},
				"parts": []map[string]any{
					{
						"partId":   "0",
						"mimeType": "multipart/alternative",
						"body":     map[string]any{"size": 0},
						"parts": []map[string]any{
							{"partId": "0.0", "mimeType": "text/plain", "body": map[string]any{"size": 5, "data": "aGVsbG8"}},
							{
								"partId":   "0.1",
								"mimeType": "application/pdf",
								"filename": "nested.pdf",
								"body":     map[string]any{"size": 2048, "attachmentId": "att-nested"},
							},
						},
					},
					{
						"partId":   "1",
						"mimeType": "application/pdf",
						"filename": "inline.pdf",
						"body":     map[string]any{"size": 19, "data": inline},
					},
				},
			},
		})
	}, 0)

	detail, err := adapter.FetchDetail(context.Background(), "tok", sync.MessageRef{ID: "m1"})
	require.NoError(t, err)

	assert.Equal(t, "Your invoice", detail.Subject)
	assert.Equal(t, "billing@acme.com", detail.Sender)
	assert.Equal(t, "t1", detail.Ref.ThreadID)
	require.Len(t, detail.Attachments, 2)

	assert.Equal(t, "nested.pdf", detail.Attachments[0].FileName)
	assert.Equal(t, "att-nested", detail.Attachments[0].ID)
	assert.Equal(t, int64(2048), detail.Attachments[0].Size)
	assert.Nil(t, detail.Attachments[0].Data)

	assert.Equal(t, "inline.pdf", detail.Attachments[1].FileName)
	assert.Equal(t, []byte("%PDF inline invoice"), detail.Attachments[1].Data)
}

func TestFetchDetail_WholeBodyPDF(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"id": "m7",
			"payload": map[string]any{
				"mimeType": "application/pdf",
				"headers":  []map[string]string{{"name": "From", "value": "billing@acme.com"}},
				"body":     map[string]any{"size": 4096, "attachmentId": "body-att"},
			},
		})
	}, 0)

	detail, err := adapter.FetchDetail(context.Background(), "tok", sync.MessageRef{ID: "m7"})
	require.NoError(t, err)

	require.Len(t, detail.Attachments, 1)
	assert.Equal(t, "m7.pdf", detail.Attachments[0].FileName)
	assert.Equal(t, "body-att", detail.Attachments[0].ID)
	assert.True(t, sync.IsPDF(detail.Attachments[0]))
}

func TestDownloadAttachment(t *testing.T) {
	payload := []byte{0xff, 0xfe, '%', 'P', 'D', 'F'}
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/messages/m1/attachments/att-1", r.URL.Path)
		writeJSON(t, w, map[string]any{"size": len(payload), "data": base64.RawURLEncoding.EncodeToString(payload)})
	}, 0)

	data, err := adapter.DownloadAttachment(context.Background(), "tok", sync.MessageRef{ID: "m1"}, sync.AttachmentRef{ID: "att-1"})
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadAttachment_InlineDataSkipsRequest(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	}, 0)

	data, err := adapter.DownloadAttachment(context.Background(), "tok", sync.MessageRef{ID: "m1"}, sync.AttachmentRef{ID: "0", Data: []byte("inline")})
	require.NoError(t, err)
	assert.Equal(t, []byte("inline"), data)
}

func TestFetchDetail_EmptyInlinePartNeedsNoDownload(t *testing.T) {
	var calls atomic.Int32
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/gmail/v1/users/me/messages/m5", r.URL.Path)
		writeJSON(t, w, map[string]any{
			"id": "m5",
			"payload": map[string]any{
				"mimeType": "multipart/mixed",
				"body":     map[string]any{"size": 0},
				"parts": []map[string]any{{
					"partId":   "1",
					"mimeType": "application/pdf",
					"filename": "empty.pdf",
					"body":     map[string]any{"size": 0},
				}},
			},
		})
	}, 0)

	detail, err := adapter.FetchDetail(context.Background(), "tok", sync.MessageRef{ID: "m5"})
	require.NoError(t, err)
	require.Len(t, detail.Attachments, 1)

	att := detail.Attachments[0]
	assert.Equal(t, "1", att.ID)
	assert.NotNil(t, att.Data)
	assert.Equal(t, int64(0), att.Size)

	data, err := adapter.DownloadAttachment(context.Background(), "tok", detail.Ref, att)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, int32(1), calls.Load(), "no attachments.get for an inline part")
}

func TestSearch_LimiterDeadlineBetweenPagesIsCancellation(t *testing.T) {
	var calls atomic.Int32
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(t, w, map[string]any{
			"messages":      []map[string]string{{"id": "m1", "threadId": "t1"}},
			"nextPageToken": "p2",
		})
	}, 0)
	adapter.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := adapter.Search(ctx, "tok", []string{"a@x.com"}, time.Hour)
	require.Error(t, err)

	var apiErr *errors.ErrProviderAPI
	assert.False(t, stderrors.As(err, &apiErr))
	assert.Equal(t, sync.KindCancelled, sync.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchDetail_CancelledRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	}, 0)

	_, err := adapter.FetchDetail(ctx, "tok", sync.MessageRef{ID: "m1"})
	require.Error(t, err)
	assert.Equal(t, sync.KindCancelled, sync.KindOf(err))
}
