// Package listing pages through the remote node listing, independent of the map.
package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"mapsync/core-go/internal/errs"
	"mapsync/core-go/internal/remote"
)

const DefaultPageSize = 50

var (
	ErrNoNextPage     = errors.New("listing: no next page")
	ErrNoPreviousPage = errors.New("listing: no previous page")
)

// Lister fetches one raw page of the node listing.
type Lister interface {
	ListNodes(ctx context.Context, q remote.Query) ([]byte, error)
}

// Envelope is a parsed server pagination envelope.
type Envelope struct {
	Count      int               `json:"count"`
	Next       *string           `json:"next"`
	Previous   *string           `json:"previous"`
	Results    []json.RawMessage `json:"results"`
	TotalPages int               `json:"total_pages"`
}

// ParseEnvelope decodes {count, next, previous, results}. count and results
// are required; next and previous may be null or absent.
func ParseEnvelope(body []byte, pageSize int) (Envelope, error) {
	if pageSize <= 0 {
		return Envelope{}, fmt.Errorf("page size must be positive (got %d)", pageSize)
	}
	var raw struct {
		Count    *int               `json:"count"`
		Next     *string            `json:"next"`
		Previous *string            `json:"previous"`
		Results  *[]json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope{}, &errs.MalformedResponseError{What: "pagination envelope", Err: err}
	}
	if raw.Count == nil {
		return Envelope{}, errs.Malformed("pagination envelope", "missing count")
	}
	if raw.Results == nil {
		return Envelope{}, errs.Malformed("pagination envelope", "missing results")
	}
	if *raw.Count < 0 {
		return Envelope{}, errs.Malformed("pagination envelope", "negative count %d", *raw.Count)
	}

	return Envelope{
		Count:      *raw.Count,
		Next:       raw.Next,
		Previous:   raw.Previous,
		Results:    *raw.Results,
		TotalPages: (*raw.Count + pageSize - 1) / pageSize,
	}, nil
}

// State is the controller's paging position.
type State struct {
	CurrentPage           int    `json:"current_page"`
	PageSize              int    `json:"page_size"`
	TotalCount            int    `json:"total_count"`
	TotalPages            int    `json:"total_pages"`
	NextPageAvailable     bool   `json:"next_page_available"`
	PreviousPageAvailable bool   `json:"previous_page_available"`
	SearchTerm            string `json:"search_term,omitempty"`
}

// Page is one fetched page plus the state after fetching it.
type Page struct {
	State
	Results []json.RawMessage `json:"results"`
}

type Controller struct {
	log zerolog.Logger
	api Lister

	// reqMu serialises whole page operations so state follows request order.
	reqMu sync.Mutex

	mu    sync.RWMutex
	state State
}

func New(log zerolog.Logger, api Lister, pageSize int) *Controller {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Controller{
		log:   log.With().Str("component", "listing").Logger(),
		api:   api,
		state: State{CurrentPage: 1, PageSize: pageSize},
	}
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// GetPage fetches page n with the current search term.
func (c *Controller) GetPage(ctx context.Context, n int) (Page, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.fetch(ctx, n, c.State().SearchTerm)
}

// Search resets to page 1 and queries with term. The term sticks for later
// paging until ClearSearch; a failed search leaves the previous term in place.
func (c *Controller) Search(ctx context.Context, term string) (Page, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.fetch(ctx, 1, strings.TrimSpace(term))
}

// SearchPage queries page n with term in one request. The term sticks the same
// way it does for Search.
func (c *Controller) SearchPage(ctx context.Context, term string, n int) (Page, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.fetch(ctx, n, strings.TrimSpace(term))
}

func (c *Controller) ClearSearch(ctx context.Context) (Page, error) {
	return c.Search(ctx, "")
}

func (c *Controller) NextPage(ctx context.Context) (Page, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	st := c.State()
	if !st.NextPageAvailable {
		return Page{}, ErrNoNextPage
	}
	return c.fetch(ctx, st.CurrentPage+1, st.SearchTerm)
}

func (c *Controller) PreviousPage(ctx context.Context) (Page, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	st := c.State()
	if !st.PreviousPageAvailable {
		return Page{}, ErrNoPreviousPage
	}
	return c.fetch(ctx, st.CurrentPage-1, st.SearchTerm)
}

// fetch runs with reqMu held and commits state only on success.
func (c *Controller) fetch(ctx context.Context, page int, term string) (Page, error) {
	if page < 1 {
		return Page{}, fmt.Errorf("page must be >= 1 (got %d)", page)
	}
	pageSize := c.State().PageSize

	body, err := c.api.ListNodes(ctx, remote.Query{Page: page, Limit: pageSize, Search: term})
	if err != nil {
		return Page{}, fmt.Errorf("list nodes page %d: %w", page, err)
	}
	env, err := ParseEnvelope(body, pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("list nodes page %d: %w", page, err)
	}

	next := State{
		CurrentPage:           page,
		PageSize:              pageSize,
		TotalCount:            env.Count,
		TotalPages:            env.TotalPages,
		NextPageAvailable:     env.Next != nil,
		PreviousPageAvailable: env.Previous != nil,
		SearchTerm:            term,
	}
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	c.log.Debug().
		Int("page", page).
		Int("count", env.Count).
		Str("search", term).
		Msg("listing_page_loaded")
	return Page{State: next, Results: env.Results}, nil
}
