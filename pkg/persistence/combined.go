package persistence

import "context"

// Relational is the subset of repositories backed by the relational store.
type Relational interface {
	Index() IndexRepository
	Templates() TemplateRepository
	Tenants() TenantRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Documents is the subset backed by the document store.
type Documents interface {
	Events() EventRepository
	States() StateRepository
	Bookmarks() BookmarkRepository
	Snapshots() SnapshotRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Combined composes a relational side and a document side into one
// Persistence. There is no distributed transaction between the two: the event
// append is the commit point and the relational rows are rebuildable
// projections.
type Combined struct {
	Relational Relational
	Documents  Documents
}

func (c *Combined) Events() EventRepository       { return c.Documents.Events() }
func (c *Combined) States() StateRepository       { return c.Documents.States() }
func (c *Combined) Bookmarks() BookmarkRepository { return c.Documents.Bookmarks() }
func (c *Combined) Snapshots() SnapshotRepository { return c.Documents.Snapshots() }
func (c *Combined) Index() IndexRepository        { return c.Relational.Index() }
func (c *Combined) Templates() TemplateRepository { return c.Relational.Templates() }
func (c *Combined) Tenants() TenantRepository     { return c.Relational.Tenants() }

// HealthCheck verifies both stores.
func (c *Combined) HealthCheck(ctx context.Context) error {
	err := c.Relational.HealthCheck(ctx)
	if err != nil {
		return err
	}

	return c.Documents.HealthCheck(ctx)
}

// Close closes both stores.
func (c *Combined) Close(ctx context.Context) error {
	err := c.Relational.Close(ctx)
	if err != nil {
		return err
	}

	return c.Documents.Close(ctx)
}
