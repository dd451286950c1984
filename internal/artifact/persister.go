// Package artifact persists accepted invoice attachments.
package artifact

import (
	"context"
	"crypto/rand"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
	"go.uber.org/zap"

	"github.com/Martian-dev/invoice-ingest/internal/blob"
	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/models"
)

// AnalysisSubject is the outbox subject suffix for analysis requests
const AnalysisSubject = "analysis.requested"

// Store is the metadata the persister reads and writes
type Store interface {
	FindArtifact(ctx context.Context, userID, fileName, sender string) (*models.InvoiceArtifact, error)
	InsertArtifact(ctx context.Context, artifact *models.InvoiceArtifact, msg *models.OutboxMessage) error
}

// Result is the outcome of one Persist call
type Result struct {
	Artifact  *models.InvoiceArtifact
	Duplicate bool
}

// Persister uploads attachment bytes and records the artifact. Analysis is
// requested through the outbox; its result is never observed here.
type Persister struct {
	store   Store
	blobs   blob.Store
	subject string
	logger  *zap.Logger
	now     func() time.Time
	entropy io.Reader
}

// NewPersister creates a persister. subjectPrefix namespaces the outbox subject.
func NewPersister(store Store, blobs blob.Store, subjectPrefix string, logger *zap.Logger) *Persister {
	subject := AnalysisSubject
	if subjectPrefix != "" {
		subject = subjectPrefix + "." + AnalysisSubject
	}
	return &Persister{
		store:   store,
		blobs:   blobs,
		subject: subject,
		logger:  logger,
		now:     time.Now,
		entropy: rand.Reader,
	}
}

// Persist stores one accepted attachment unless the (user, file name, sender)
// triple already exists. A failed upload writes no row and returns *errors.ErrStorage.
func (p *Persister) Persist(ctx context.Context, userID, fileName string, data []byte, sender, mimeType string) (*Result, error) {
	sender = models.NormalizeAddress(sender)

	existing, err := p.store.FindArtifact(ctx, userID, fileName, sender)
	if err != nil {
		return nil, &errors.ErrStorage{Op: "find artifact", Err: err}
	}
	if existing != nil {
		return &Result{Artifact: existing, Duplicate: true}, nil
	}

	if mimeType == "" {
		mimeType = "application/pdf"
	}
	now := p.now()
	artifact := &models.InvoiceArtifact{
		ID:             uuid.NewString(),
		UserID:         userID,
		FileName:       fileName,
		StoragePath:    p.storagePath(userID, fileName, now),
		SizeBytes:      int64(len(data)),
		MimeType:       mimeType,
		SourceSender:   sender,
		AnalysisStatus: models.AnalysisPending,
		CreatedAt:      now,
	}

	if err := p.blobs.Put(ctx, artifact.StoragePath, data, mimeType); err != nil {
		return nil, &errors.ErrStorage{Op: "upload", Path: artifact.StoragePath, Err: err}
	}

	msg, err := analysisMessage(p.subject, artifact)
	if err != nil {
		return nil, &errors.ErrStorage{Op: "encode analysis request", Err: err}
	}

	err = p.store.InsertArtifact(ctx, artifact, msg)
	var dup *errors.ErrDuplicateArtifact
	if stderrors.As(err, &dup) {
		// lost a race with another sweep; the uploaded object is orphaned
		p.logger.Warn("artifact inserted concurrently",
			zap.String("user_id", userID),
			zap.String("file_name", fileName),
			zap.String("orphaned_path", artifact.StoragePath))
		existing, findErr := p.store.FindArtifact(ctx, userID, fileName, sender)
		if findErr != nil {
			return nil, &errors.ErrStorage{Op: "find artifact", Err: findErr}
		}
		return &Result{Artifact: existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, &errors.ErrStorage{Op: "insert artifact", Path: artifact.StoragePath, Err: err}
	}

	return &Result{Artifact: artifact}, nil
}

// storagePath is <user>/<ulid>_<file name>
func (p *Persister) storagePath(userID, fileName string, at time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(at), p.entropy)
	return fmt.Sprintf("%s/%s_%s", userID, id, SanitizeFileName(fileName))
}

func analysisMessage(subject string, artifact *models.InvoiceArtifact) (*models.OutboxMessage, error) {
	payload, err := json.Marshal(models.AnalysisRequest{
		ArtifactID:  artifact.ID,
		StoragePath: artifact.StoragePath,
		UserID:      artifact.UserID,
	})
	if err != nil {
		return nil, err
	}
	return &models.OutboxMessage{
		Subject: subject,
		Payload: payload,
		MsgID:   "analysis|" + artifact.ID,
	}, nil
}

// SanitizeFileName makes a provider file name safe for use in a blob path
func SanitizeFileName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "attachment.pdf"
	}
	return name
}
