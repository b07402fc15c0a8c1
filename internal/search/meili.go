package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

// Meili owns the Meilisearch client shared by the public and preview indexes.
type Meili struct {
	client       meili.ServiceManager
	indexes      []string
	pollInterval time.Duration
	healthy      atomic.Bool
	done         chan struct{}
	logger       zerolog.Logger
}

// NewMeili connects to Meilisearch and provisions the given indexes. An
// unreachable server is not fatal; the health loop configures the indexes once
// it recovers.
func NewMeili(url, apiKey string, indexes []string, logger zerolog.Logger) *Meili {
	m := &Meili{
		client:       meili.New(url, meili.WithAPIKey(apiKey)),
		indexes:      indexes,
		pollInterval: 50 * time.Millisecond,
		done:         make(chan struct{}),
		logger:       logger.With().Str("component", "meilisearch").Logger(),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	filterable := []interface{}{"kind", "type", "is_member_of_exhibit", "is_member_of", "is_published"}
	searchable := []string{"title", "text", "description", "items.title", "items.text"}
	sortable := []string{"order", "created"}

	for _, uid := range m.indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: uid, PrimaryKey: "uuid"}); err != nil {
			m.logger.Debug().Err(err).Str("index", uid).Msg("create index (may already exist)")
		}

		index := m.client.Index(uid)
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn().Err(err).Str("index", uid).Msg("update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			m.logger.Warn().Err(err).Str("index", uid).Msg("update searchable attributes")
		}
		if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
			m.logger.Warn().Err(err).Str("index", uid).Msg("update sortable attributes")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			switch {
			case err == nil && !wasHealthy:
				m.logger.Info().Msg("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			case err != nil && wasHealthy:
				m.logger.Warn().Err(err).Msg("meilisearch became unhealthy")
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Index returns the document store for one index uid.
func (m *Meili) Index(uid string) *MeiliIndex {
	return &MeiliIndex{meili: m, uid: uid}
}

// MeiliIndex implements Index over a single Meilisearch index. Writes wait for
// the task to succeed so a returned nil means the change was acknowledged.
type MeiliIndex struct {
	meili *Meili
	uid   string
}

func (x *MeiliIndex) UID() string {
	return x.uid
}

func (x *MeiliIndex) Upsert(ctx context.Context, doc Document) error {
	if !x.meili.Healthy() {
		return &IndexError{Op: "upsert", ID: doc.UUID, Err: ErrUnavailable}
	}
	task, err := x.meili.client.Index(x.uid).AddDocumentsWithContext(ctx, []Document{doc}, nil)
	if err != nil {
		return &IndexError{Op: "upsert", ID: doc.UUID, Err: err}
	}
	if err := x.await(ctx, task.TaskUID); err != nil {
		return &IndexError{Op: "upsert", ID: doc.UUID, Err: err}
	}
	return nil
}

func (x *MeiliIndex) Delete(ctx context.Context, id string) error {
	if !x.meili.Healthy() {
		return &IndexError{Op: "delete", ID: id, Err: ErrUnavailable}
	}
	// Meilisearch reports success for absent ids, so look first.
	if _, err := x.Get(ctx, id); err != nil {
		return err
	}
	task, err := x.meili.client.Index(x.uid).DeleteDocumentWithContext(ctx, id, nil)
	if err != nil {
		return &IndexError{Op: "delete", ID: id, Err: err}
	}
	if err := x.await(ctx, task.TaskUID); err != nil {
		return &IndexError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

func (x *MeiliIndex) Get(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := x.meili.client.Index(x.uid).GetDocumentWithContext(ctx, id, nil, &doc)
	if isNotFound(err) {
		return Document{}, fmt.Errorf("%s/%s: %w", x.uid, id, ErrDocumentNotFound)
	}
	if err != nil {
		return Document{}, &IndexError{Op: "get", ID: id, Err: err}
	}
	return doc, nil
}

func (x *MeiliIndex) await(ctx context.Context, taskUID int64) error {
	task, err := x.meili.client.WaitForTaskWithContext(ctx, taskUID, x.meili.pollInterval)
	if err != nil {
		return fmt.Errorf("wait for task %d: %w", taskUID, err)
	}
	if task.Status != meili.TaskStatusSucceeded {
		return fmt.Errorf("%w: task %d %s: %s", ErrNotAcknowledged, taskUID, task.Status, task.Error.Message)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *meili.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
