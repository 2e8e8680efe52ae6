// Package catalog lists the synthesis models the backend can load and sorts
// them into pre-trained voices and voice-cloning models.
package catalog

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ekisa-team/voxforge/internal/apperr"
)

// Category is the user-facing group a model is listed under.
type Category string

const (
	CategorySingleSpeaker Category = "single_speaker"
	CategoryVoiceCloning  Category = "voice_cloning"
)

// Descriptor names a synthesis model.
type Descriptor struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
}

// Listing is the partitioned model catalog.
type Listing struct {
	FetchedAt     time.Time    `json:"fetched_at"`
	SingleSpeaker []Descriptor `json:"single_speaker"`
	VoiceCloning  []Descriptor `json:"voice_cloning"`
}

// Find returns the descriptor for id, if listed.
func (l Listing) Find(id string) (Descriptor, bool) {
	for _, group := range [][]Descriptor{l.SingleSpeaker, l.VoiceCloning} {
		for _, d := range group {
			if d.ID == id {
				return d, true
			}
		}
	}

	return Descriptor{}, false
}

// Empty reports whether no model is listed.
func (l Listing) Empty() bool {
	return len(l.SingleSpeaker) == 0 && len(l.VoiceCloning) == 0
}

func emptyListing() Listing {
	return Listing{SingleSpeaker: []Descriptor{}, VoiceCloning: []Descriptor{}}
}

// Lister enumerates model identifiers. backend.Backend satisfies it.
type Lister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Listener is notified after every fetch with its outcome.
type Listener func(err error)

// Catalog caches the partitioned listing until Refresh is called or the
// classification rules change.
type Catalog struct {
	lister    Lister
	cached    *Listing
	group     singleflight.Group
	namespace string
	markers   []string
	listeners []Listener
	mu        sync.RWMutex
}

// New creates a catalog. namespace restricts listing to ids with that prefix;
// an id containing any marker is a voice-cloning model.
func New(lister Lister, namespace string, markers []string) *Catalog {
	return &Catalog{
		lister:    lister,
		namespace: namespace,
		markers:   slices.Clone(markers),
	}
}

// OnFetch registers fn to be called after every fetch.
func (c *Catalog) OnFetch(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners = append(c.listeners, fn)
}

// SetRules replaces the namespace and markers and drops the cached listing
// if they changed.
func (c *Catalog) SetRules(namespace string, markers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if namespace == c.namespace && slices.Equal(markers, c.markers) {
		return
	}

	c.namespace = namespace
	c.markers = slices.Clone(markers)
	c.cached = nil

	slog.Info("Catalog rules changed", "namespace", namespace, "markers", markers)
}

// List returns the cached listing, fetching it on first use. On failure it
// returns two empty lists and a catalog error; failures are not cached.
func (c *Catalog) List(ctx context.Context) (Listing, error) {
	c.mu.RLock()
	cached := c.cached
	c.mu.RUnlock()

	if cached != nil {
		return *cached, nil
	}

	return c.fetch(ctx)
}

// Lookup returns the descriptor of a listed model. When the library cannot
// be asked, ids inside the namespace are classified by name alone.
func (c *Catalog) Lookup(ctx context.Context, id string) (Descriptor, error) {
	const op = "catalog.lookup"

	listing, err := c.List(ctx)
	if err != nil {
		c.mu.RLock()
		namespace, markers := c.namespace, c.markers
		c.mu.RUnlock()

		if !strings.HasPrefix(id, namespace) {
			return Descriptor{}, apperr.New(apperr.KindNotFound, op, "Unknown model "+id)
		}
		slog.Warn("Catalog unavailable, classifying by name", "model_id", id)

		return Descriptor{ID: id, Category: Classify(id, markers)}, nil
	}

	d, ok := listing.Find(id)
	if !ok {
		return Descriptor{}, apperr.New(apperr.KindNotFound, op, "Unknown model "+id)
	}

	return d, nil
}

// Refresh discards the cached listing and fetches a new one.
func (c *Catalog) Refresh(ctx context.Context) (Listing, error) {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()

	return c.fetch(ctx)
}

func (c *Catalog) fetch(ctx context.Context) (Listing, error) {
	v, err, _ := c.group.Do("list", func() (any, error) {
		ids, err := c.lister.ListModels(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		listing := Partition(ids, c.namespace, c.markers)
		listing.FetchedAt = time.Now()
		c.cached = &listing

		return listing, nil
	})

	c.notify(err)

	if err != nil {
		slog.Warn("Failed to list models", "error", err)
		return emptyListing(), apperr.Wrap(apperr.KindCatalog, "catalog.list", err,
			"Could not retrieve the list of models")
	}

	listing := v.(Listing)
	slog.Debug("Model catalog fetched",
		"single_speaker", len(listing.SingleSpeaker),
		"voice_cloning", len(listing.VoiceCloning),
	)

	return listing, nil
}

func (c *Catalog) notify(err error) {
	c.mu.RLock()
	listeners := slices.Clone(c.listeners)
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// Classify returns CategoryVoiceCloning if id contains any marker and
// CategorySingleSpeaker otherwise.
func Classify(id string, markers []string) Category {
	for _, m := range markers {
		if m != "" && strings.Contains(id, m) {
			return CategoryVoiceCloning
		}
	}

	return CategorySingleSpeaker
}

// Partition filters ids to namespace, drops duplicates and splits them by
// category. Both groups are sorted.
func Partition(ids []string, namespace string, markers []string) Listing {
	listing := emptyListing()
	seen := make(map[string]struct{}, len(ids))

	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" || !strings.HasPrefix(id, namespace) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		d := Descriptor{ID: id, Category: Classify(id, markers)}
		if d.Category == CategoryVoiceCloning {
			listing.VoiceCloning = append(listing.VoiceCloning, d)
		} else {
			listing.SingleSpeaker = append(listing.SingleSpeaker, d)
		}
	}

	byID := func(a, b Descriptor) int { return strings.Compare(a.ID, b.ID) }
	slices.SortFunc(listing.SingleSpeaker, byID)
	slices.SortFunc(listing.VoiceCloning, byID)

	return listing
}
