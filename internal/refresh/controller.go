// Package refresh allocates isolation handles for a hosting view.
//
// Every distinct composed document gets a strictly greater handle than the
// previous one, and a new handle means the hosting view must discard its
// embedded context and build a new one. The controller does no debouncing;
// callers coalesce keystroke-level updates before calling Apply.
package refresh

import (
	"sync"

	"github.com/conneroisu/snipbox/internal/composer"
)

// Handle identifies one mount of an embedded context.
type Handle uint64

// Mount is the outcome of applying a document to a controller.
type Mount struct {
	Handle   Handle
	Document composer.Document
	// Remounted is false when the document equalled the current one and the
	// existing context was kept.
	Remounted bool
}

// Observer is notified of every remount, in handle order. Observers run
// synchronously under the controller lock and must not call back into it.
type Observer func(Mount)

// Option configures a Controller.
type Option func(*Controller)

// WithAlwaysRemount disables the equal-content skip.
func WithAlwaysRemount() Option {
	return func(c *Controller) { c.alwaysRemount = true }
}

// WithObserver registers an observer for remounts.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithStartHandle starts allocation after h instead of zero.
func WithStartHandle(h Handle) Option {
	return func(c *Controller) { c.handle = h }
}

// Controller serialises document changes from one hosting view into an
// ordered sequence of mounts.
type Controller struct {
	mu            sync.Mutex
	handle        Handle
	current       composer.Document
	mounted       bool
	alwaysRemount bool
	observers     []Observer
}

// NewController returns a controller with no mount.
func NewController(opts ...Option) *Controller {
	c := &Controller{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply records doc as the hosted document. A document equal to the current
// one keeps the current handle unless the controller always remounts.
func (c *Controller) Apply(doc composer.Document) Mount {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mounted && !c.alwaysRemount && doc == c.current {
		return Mount{Handle: c.handle, Document: c.current}
	}

	c.handle++
	c.current = doc
	c.mounted = true

	m := Mount{Handle: c.handle, Document: doc, Remounted: true}
	for _, o := range c.observers {
		o(m)
	}
	return m
}

// Current returns the latest mount, if any.
func (c *Controller) Current() (Mount, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.mounted {
		return Mount{}, false
	}
	return Mount{Handle: c.handle, Document: c.current}, true
}

// Handle returns the latest allocated handle; zero before the first mount.
func (c *Controller) Handle() Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}
