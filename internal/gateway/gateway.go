package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-pipeline/internal/invoke"
	"github.com/zombor/receipt-pipeline/internal/receipt"
)

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Gateway accepts receipt images and starts their extraction without waiting for it
type Gateway struct {
	db          receipt.DB
	storage     receipt.Storage
	invoker     invoke.Invoker
	subs        *Subscriptions
	idGenerator IDGenerator
	timeSource  TimeSource
	logger      *slog.Logger
}

// New creates a Gateway with a UUID generator and the wall clock. subs may be nil when
// SubmitAndWatch is not used.
func New(db receipt.DB, storage receipt.Storage, invoker invoke.Invoker, subs *Subscriptions) *Gateway {
	return NewWithDeps(db, storage, invoker, subs, uuidGenerator{}, defaultTimeSource{})
}

// NewWithDeps creates a Gateway with custom dependencies for testing
func NewWithDeps(db receipt.DB, storage receipt.Storage, invoker invoke.Invoker, subs *Subscriptions, idGen IDGenerator, timeSrc TimeSource) *Gateway {
	return &Gateway{
		db:          db,
		storage:     storage,
		invoker:     invoker,
		subs:        subs,
		idGenerator: idGen,
		timeSource:  timeSrc,
		logger:      slog.Default(),
	}
}

// Submit stores the image, creates a processing record and dispatches extraction.
// It returns as soon as the extraction is dispatched.
func (g *Gateway) Submit(ctx context.Context, userID string, image []byte, contentType string) (string, error) {
	return g.submit(ctx, userID, image, contentType, nil)
}

// SubmitAndWatch is Submit with onUpdate subscribed before extraction is dispatched, so no
// update is missed. The returned function unsubscribes.
func (g *Gateway) SubmitAndWatch(ctx context.Context, userID string, image []byte, contentType string, onUpdate func(*receipt.Receipt)) (string, func(), error) {
	if g.subs == nil {
		return "", nil, fmt.Errorf("gateway has no subscription registry")
	}
	var unsubscribe func()
	id, err := g.submit(ctx, userID, image, contentType, func(id string) error {
		var err error
		unsubscribe, err = g.subs.Subscribe(ctx, id, onUpdate)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	if unsubscribe == nil {
		unsubscribe = func() {}
	}
	return id, unsubscribe, nil
}

func (g *Gateway) submit(ctx context.Context, userID string, image []byte, contentType string, beforeDispatch func(id string) error) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", receipt.ErrUnauthenticated
	}

	id := g.idGenerator.Generate()
	now := g.timeSource.Now()

	key := fmt.Sprintf("receipts/%s/receipt_%s%s", userID, id, extension(contentType))
	path, err := g.storage.Save(key, image)
	if err != nil {
		return "", fmt.Errorf("%w: uploading image: %w", receipt.ErrTransfer, err)
	}

	rec := receipt.New(id, userID, path, g.storage.URL(path), contentType, now)
	if err := g.db.CreateReceipt(ctx, rec); err != nil {
		// the uploaded object is left behind
		return "", fmt.Errorf("creating receipt: %w", err)
	}

	if beforeDispatch != nil {
		if err := beforeDispatch(id); err != nil {
			g.logger.Warn("Failed to watch receipt", "receipt_id", id, "error", err)
		}
	}

	if err := g.invoker.Invoke(ctx, invoke.ProcessReceipt, id); err != nil {
		g.logger.Error("Failed to dispatch extraction", "receipt_id", id, "error", err)
		_, failErr := g.db.UpdateReceipt(context.WithoutCancel(ctx), id, func(r *receipt.Receipt) error {
			return r.Fail(fmt.Sprintf("failed to start processing: %v", err), g.timeSource.Now())
		})
		if failErr != nil {
			g.logger.Error("Failed to record dispatch error", "receipt_id", id, "error", failErr)
		}
	}

	return id, nil
}

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/heic":      ".heic",
	"image/heif":      ".heif",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

func extension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return extensions[strings.ToLower(mediaType)]
}
