// Package directory maintains the connection directory (endpoint to
// subscriber identity) and the broadcast directory (list to owners,
// followers and their live endpoints).
//
// Both are caches rebuilt from connect and disconnect events. They tolerate
// brief staleness; the delivery engine compensates through the transition
// log.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/mbd888/replikanto/internal/deviceid"
	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/storage"
)

var (
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrListNotFound     = errors.New("broadcast list not found")
	ErrListOwnership    = errors.New("caller does not own the broadcast list")
)

// EndpointRef addresses one live connection.
type EndpointRef struct {
	Handle string `json:"handle"`
	Region string `json:"region"`
}

// String encodes the ref as "region/handle".
func (r EndpointRef) String() string {
	return r.Region + "/" + r.Handle
}

// ParseRef decodes the String form. A value with no "/" is a bare handle.
func ParseRef(s string) EndpointRef {
	region, handle, ok := strings.Cut(s, "/")
	if !ok {
		return EndpointRef{Handle: s}
	}
	return EndpointRef{Handle: handle, Region: region}
}

// Endpoint is a live client connection.
type Endpoint struct {
	Handle          string    `json:"handle"`
	Region          string    `json:"region"`
	ProtocolVersion string    `json:"protocol_version"`
	DeviceID        string    `json:"machine_id"`
	SubscriberID    string    `json:"replikanto_id"`
	License         string    `json:"license,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Ref returns the endpoint's address.
func (e Endpoint) Ref() EndpointRef {
	return EndpointRef{Handle: e.Handle, Region: e.Region}
}

// Role selects a membership set of a list.
type Role string

const (
	RoleOwner    Role = "owners"
	RoleFollower Role = "followers"
)

// Position is one open position shown to list followers.
type Position struct {
	Instrument     string    `json:"instrument"`
	Quantity       float64   `json:"quantity"`
	MarketPosition string    `json:"market_position"`
	AveragePrice   float64   `json:"average_price"`
	UpdatedAt      time.Time `json:"last_update"`
}

// List is a broadcast list. Owners and followers hold device identifiers.
type List struct {
	ID        string
	Name      string
	Owners    mapset.Set[string]
	Followers mapset.Set[string]
	Endpoints mapset.Set[EndpointRef]
	ChatID    int64
	Locale    string
	TimeZone  string
	Positions []Position
}

// NewList returns an empty list.
func NewList(id, name string) *List {
	return &List{
		ID:        id,
		Name:      name,
		Owners:    mapset.NewSet[string](),
		Followers: mapset.NewSet[string](),
		Endpoints: mapset.NewSet[EndpointRef](),
		Locale:    "en-US",
		TimeZone:  "UTC",
	}
}

// Clone returns a deep copy.
func (l *List) Clone() *List {
	cp := *l
	cp.Owners = l.Owners.Clone()
	cp.Followers = l.Followers.Clone()
	cp.Endpoints = l.Endpoints.Clone()
	cp.Positions = append([]Position(nil), l.Positions...)
	return &cp
}

// IsOwner reports whether deviceID owns the list.
func (l *List) IsOwner(deviceID string) bool {
	return l.Owners.Contains(deviceID)
}

// ConnectionStore is the authoritative endpoint map.
type ConnectionStore interface {
	Put(ctx context.Context, ep Endpoint) error
	// Delete removes handle and returns what was stored, ErrEndpointNotFound
	// when nothing was.
	Delete(ctx context.Context, handle string) (Endpoint, error)
	Get(ctx context.Context, handle string) (Endpoint, error)
	BySubscriber(ctx context.Context, subscriberID string) ([]Endpoint, error)
	ByDevice(ctx context.Context, deviceID string) ([]Endpoint, error)
	// Repoint binds every endpoint of deviceID to subscriberID.
	Repoint(ctx context.Context, deviceID, subscriberID string) ([]Endpoint, error)
}

// ListStore persists broadcast lists.
type ListStore interface {
	Get(ctx context.Context, listID string) (*List, error)
	Save(ctx context.Context, l *List) error
	WithMember(ctx context.Context, role Role, deviceID string) ([]*List, error)
	// AddMember and RemoveMember report whether the set changed.
	AddMember(ctx context.Context, listID string, role Role, deviceID string) (bool, error)
	RemoveMember(ctx context.Context, listID string, role Role, deviceID string) (bool, error)
	AddEndpoint(ctx context.Context, listID string, ref EndpointRef) error
	RemoveEndpoint(ctx context.Context, listID string, ref EndpointRef) error
	RemoveEndpointEverywhere(ctx context.Context, ref EndpointRef) error
	SetPositions(ctx context.Context, listID string, positions []Position) error
}

// Directory combines the two stores with the membership cache.
type Directory struct {
	conns  ConnectionStore
	lists  ListStore
	cache  *DirectoryCache
	bounds storage.Bounds
	logger *slog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

func WithBounds(b storage.Bounds) Option {
	return func(d *Directory) { d.bounds = b }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) { d.logger = logger }
}

// New creates a Directory. cache may be nil to disable caching.
func New(conns ConnectionStore, lists ListStore, cache *DirectoryCache, opts ...Option) *Directory {
	d := &Directory{
		conns:  conns,
		lists:  lists,
		cache:  cache,
		bounds: storage.NewBounds(0, 1, 0),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) Connections() ConnectionStore { return d.conns }
func (d *Directory) Lists() ListStore { return d.lists }

// Bounds exposes the store call bounds for collaborators sharing the stores.
func (d *Directory) Bounds() storage.Bounds { return d.bounds }

// Endpoints returns the live endpoints of a subscriber identity.
func (d *Directory) Endpoints(ctx context.Context, subscriberID string) ([]Endpoint, error) {
	var eps []Endpoint
	err := d.bounds.Do(ctx, "directory.by_subscriber", func(ctx context.Context) error {
		var err error
		eps, err = d.conns.BySubscriber(ctx, subscriberID)
		return err
	})
	return eps, err
}

// List loads one broadcast list.
func (d *Directory) List(ctx context.Context, listID string) (*List, error) {
	var l *List
	err := d.bounds.Do(ctx, "directory.get_list", func(ctx context.Context) error {
		var err error
		l, err = d.lists.Get(ctx, listID)
		return err
	})
	return l, err
}

// FollowedLists returns the ids of the lists deviceID follows, from the
// cache when it is fresh.
func (d *Directory) FollowedLists(ctx context.Context, deviceID string) ([]string, error) {
	if d.cache != nil {
		if ids, ok := d.cache.Get(deviceID); ok {
			return ids, nil
		}
	}

	var lists []*List
	err := d.bounds.Do(ctx, "directory.followed_lists", func(ctx context.Context) error {
		var err error
		lists, err = d.lists.WithMember(ctx, RoleFollower, deviceID)
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(lists))
	for _, l := range lists {
		ids = append(ids, l.ID)
	}
	if d.cache != nil {
		d.cache.Put(deviceID, ids)
	}
	return ids, nil
}

// FollowedListDetails returns the lists deviceID follows with their names
// and positions.
func (d *Directory) FollowedListDetails(ctx context.Context, deviceID string) ([]*List, error) {
	var lists []*List
	err := d.bounds.Do(ctx, "directory.followed_list_details", func(ctx context.Context) error {
		var err error
		lists, err = d.lists.WithMember(ctx, RoleFollower, deviceID)
		return err
	})
	return lists, err
}

// LinkRequest names a follower change on a list.
type LinkRequest struct {
	Caller   string
	ListID   string
	DeviceID string
}

// Link adds DeviceID to the list's followers.
func (d *Directory) Link(ctx context.Context, req LinkRequest) error {
	return d.changeFollower(ctx, req, true)
}

// Unlink removes DeviceID from the list's followers.
func (d *Directory) Unlink(ctx context.Context, req LinkRequest) error {
	return d.changeFollower(ctx, req, false)
}

func (d *Directory) changeFollower(ctx context.Context, req LinkRequest, add bool) error {
	if req.Caller == "" {
		return ErrListOwnership
	}
	follower, err := deviceid.ParseSigned(req.DeviceID)
	if err != nil {
		return err
	}

	l, err := d.List(ctx, req.ListID)
	if err != nil {
		return err
	}
	if req.Caller != follower.String() && !l.IsOwner(req.Caller) {
		return ErrListOwnership
	}

	err = d.bounds.Do(ctx, "directory.change_follower", func(ctx context.Context) error {
		var err error
		if add {
			_, err = d.lists.AddMember(ctx, req.ListID, RoleFollower, follower.String())
		} else {
			_, err = d.lists.RemoveMember(ctx, req.ListID, RoleFollower, follower.String())
		}
		return err
	})
	if err != nil {
		return err
	}
	d.Invalidate()

	// Keep the materialized endpoints in step with the membership change.
	var eps []Endpoint
	if err := d.bounds.Do(ctx, "directory.by_device", func(ctx context.Context) error {
		var err error
		eps, err = d.conns.ByDevice(ctx, follower.String())
		return err
	}); err != nil {
		d.logger.Warn("follower endpoints not synced", "list_id", req.ListID, "error", err)
		return nil
	}
	for _, ep := range eps {
		ref := ep.Ref()
		err := d.bounds.Do(ctx, "directory.sync_list_endpoint", func(ctx context.Context) error {
			if add {
				return d.lists.AddEndpoint(ctx, req.ListID, ref)
			}
			return d.lists.RemoveEndpoint(ctx, req.ListID, ref)
		})
		if err != nil {
			d.logger.Warn("follower endpoint not synced", "list_id", req.ListID, "endpoint", ep.Handle, "error", err)
		}
	}
	return nil
}

// Followers returns the follower device ids of a list. A missing list has
// no followers.
func (d *Directory) Followers(ctx context.Context, listID string) ([]string, error) {
	l, err := d.List(ctx, listID)
	if errors.Is(err, ErrListNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return sortedSlice(l.Followers), nil
}

// Invalidate drops every cached membership.
func (d *Directory) Invalidate() {
	if d.cache != nil {
		d.cache.Invalidate()
	}
}
