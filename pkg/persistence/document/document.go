// Package document provides the file-backed document store for workflow
// state, events, bookmarks, and snapshots. It also carries file-backed
// implementations of the relational repositories so the full persistence
// aggregate is available without external services.
package document

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gridbee/marketflow/pkg/persistence"
)

// Persistence implements persistence.Persistence on the file system.
type Persistence struct {
	root string
	mu   sync.RWMutex

	eventRepo    *EventRepository
	stateRepo    *StateRepository
	indexRepo    *IndexRepository
	bookmarkRepo *BookmarkRepository
	snapshotRepo *SnapshotRepository
	templateRepo *TemplateRepository
	tenantRepo   *TenantRepository
}

// NewPersistence creates a document persistence rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.eventRepo = &EventRepository{persistence: p}
	p.stateRepo = &StateRepository{persistence: p}
	p.indexRepo = &IndexRepository{persistence: p}
	p.bookmarkRepo = &BookmarkRepository{persistence: p}
	p.snapshotRepo = &SnapshotRepository{persistence: p}
	p.templateRepo = &TemplateRepository{persistence: p}
	p.tenantRepo = &TenantRepository{persistence: p}

	return p
}

// Close performs any necessary cleanup. For file-based persistence, there is
// nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (p *Persistence) Events() persistence.EventRepository       { return p.eventRepo }
func (p *Persistence) States() persistence.StateRepository       { return p.stateRepo }
func (p *Persistence) Index() persistence.IndexRepository        { return p.indexRepo }
func (p *Persistence) Bookmarks() persistence.BookmarkRepository { return p.bookmarkRepo }
func (p *Persistence) Snapshots() persistence.SnapshotRepository { return p.snapshotRepo }
func (p *Persistence) Templates() persistence.TemplateRepository { return p.templateRepo }
func (p *Persistence) Tenants() persistence.TenantRepository     { return p.tenantRepo }

func (p *Persistence) dir(parts ...string) (string, error) {
	path := filepath.Join(append([]string{p.root}, parts...)...)

	err := os.MkdirAll(path, 0o755)
	if err != nil {
		return "", err
	}

	return path, nil
}
