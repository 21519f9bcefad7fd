package pagination

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is one page request. Filters holds the rest of the query string so
// page links keep the caller's filters.
type Params struct {
	Limit   int
	Offset  int
	Filters url.Values
}

// FromContext extracts limit and offset from the query string, clamping the
// limit to MaxLimit and negative offsets to zero.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	filters := url.Values{}
	for k, v := range c.QueryParams() {
		if k != "limit" && k != "offset" {
			filters[k] = v
		}
	}

	return Params{Limit: limit, Offset: offset, Filters: filters}
}

// Response is the envelope for list endpoints.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   *Links      `json:"links,omitempty"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// WithLinks attaches navigation links relative to basePath, repeating filters
// on every link.
func (r *Response) WithLinks(basePath string, filters url.Values) *Response {
	p := Params{Limit: r.Limit, Offset: r.Offset, Filters: filters}
	links := p.Links(basePath, r.Total)
	r.Links = &links
	return r
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset never goes below zero.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// Links are the navigation URLs for one page. Next and Previous are empty at
// the ends of the result set.
type Links struct {
	Self     string `json:"self"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// Links builds the page links for basePath (e.g. "/api/v1/appointments").
func (p Params) Links(basePath string, total int) Links {
	links := Links{Self: p.pageURL(basePath, p.Offset)}
	if p.HasNext(total) {
		links.Next = p.pageURL(basePath, p.NextOffset())
	}
	if p.HasPrevious() {
		links.Previous = p.pageURL(basePath, p.PreviousOffset())
	}
	return links
}

func (p Params) pageURL(basePath string, offset int) string {
	if q := p.Filters.Encode(); q != "" {
		return fmt.Sprintf("%s?%s&offset=%d&limit=%d", basePath, q, offset, p.Limit)
	}
	return fmt.Sprintf("%s?offset=%d&limit=%d", basePath, offset, p.Limit)
}
