package certdb

import (
	"context"
	"errors"
	"fmt"
)

// CompositeReadOnly fans reads out over several stores. Lookups return the
// first hit in registration order.
type CompositeReadOnly struct {
	children []ReadOnly
}

// NewCompositeReadOnly builds a read-only composite over the given stores.
func NewCompositeReadOnly(children ...ReadOnly) *CompositeReadOnly {
	return &CompositeReadOnly{children: children}
}

// Add appends another store to the composite.
func (c *CompositeReadOnly) Add(child ReadOnly) {
	c.children = append(c.children, child)
}

func (c *CompositeReadOnly) Get(fingerprint string) (string, error) {
	for _, child := range c.children {
		content, err := child.Get(fingerprint)
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, ErrCertNotAvailable) {
			return "", err
		}
	}
	return "", NotAvailable(fingerprint)
}

func (c *CompositeReadOnly) Export(fingerprint, targetDir string, copyIfExists bool) (string, error) {
	for _, child := range c.children {
		path, err := child.Export(fingerprint, targetDir, copyIfExists)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, ErrCertNotAvailable) {
			return "", err
		}
	}
	return "", NotAvailable(fingerprint)
}

func (c *CompositeReadOnly) Exists(fingerprint string) bool {
	for _, child := range c.children {
		if child.Exists(fingerprint) {
			return true
		}
	}
	return false
}

func (c *CompositeReadOnly) ExistsAll(fingerprints []string) bool {
	for _, fp := range fingerprints {
		if !c.Exists(fp) {
			return false
		}
	}
	return true
}

// Composite fans writes out over several writable stores while reads behave
// like CompositeReadOnly over all children.
type Composite struct {
	CompositeReadOnly
	writable []DB
}

// NewComposite builds a composite over the given writable stores.
func NewComposite(children ...DB) *Composite {
	c := &Composite{}
	for _, child := range children {
		c.AddDB(child)
	}
	return c
}

// AddDB registers a writable store for both reads and writes.
func (c *Composite) AddDB(child DB) {
	c.writable = append(c.writable, child)
	c.CompositeReadOnly.Add(child)
}

// AddReadOnly registers a store for reads only.
func (c *Composite) AddReadOnly(child ReadOnly) {
	c.CompositeReadOnly.Add(child)
}

func (c *Composite) Insert(fingerprint, cert string) error {
	for _, child := range c.writable {
		if err := child.Insert(fingerprint, cert); err != nil {
			return fmt.Errorf("composite insert: %w", err)
		}
	}
	return nil
}

func (c *Composite) Delete(fingerprint string) error {
	for _, child := range c.writable {
		if err := child.Delete(fingerprint); err != nil {
			return fmt.Errorf("composite delete: %w", err)
		}
	}
	return nil
}

func (c *Composite) Commit(ctx context.Context) (int, int, error) {
	var inserted, deleted int
	for _, child := range c.writable {
		ins, del, err := child.Commit(ctx)
		inserted += ins
		deleted += del
		if err != nil {
			return inserted, deleted, fmt.Errorf("composite commit: %w", err)
		}
	}
	return inserted, deleted, nil
}

func (c *Composite) Rollback() error {
	for _, child := range c.writable {
		if err := child.Rollback(); err != nil {
			return fmt.Errorf("composite rollback: %w", err)
		}
	}
	return nil
}
