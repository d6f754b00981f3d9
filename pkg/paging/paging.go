// Package paging slices ordered result sequences into 1-based pages.
package paging

import (
	"github.com/jmylchreest/triage/pkg/findings"
)

// Bounds on page parameters. Values outside them are rejected, not clamped.
const (
	MinPage         = 1
	MaxPage         = 1_000_000
	MinPageSize     = 1
	MaxPageSize     = 500
	DefaultPageSize = 100

	// MaxResultWindow caps page*pageSize for index-backed queries.
	MaxResultWindow = 10_000
)

// Request is a validated page request.
type Request struct {
	Page     int
	PageSize int
}

// Info describes the page that was returned.
type Info struct {
	PageIndex int `json:"pageIndex"`
	PageSize  int `json:"pageSize"`
	Total     int `json:"total"`
}

// New validates page and pageSize. Zero values select page 1 and the
// default page size.
func New(page, pageSize int) (Request, error) {
	if page == 0 {
		page = MinPage
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if page < MinPage {
		return Request{}, findings.Validation("p", "Page index must be greater than or equal to %d", MinPage)
	}
	if page > MaxPage {
		return Request{}, findings.Validation("p", "Page index must not be greater than %d", MaxPage)
	}
	if pageSize < MinPageSize {
		return Request{}, findings.Validation("ps", "Page size must be greater than or equal to %d", MinPageSize)
	}
	if pageSize > MaxPageSize {
		return Request{}, findings.Validation("ps", "Page size must not be greater than %d", MaxPageSize)
	}
	return Request{Page: page, PageSize: pageSize}, nil
}

// Offset is the index of the first element of the page.
func (r Request) Offset() int {
	return (r.Page - 1) * r.PageSize
}

// CheckWindow rejects pages reaching past MaxResultWindow.
func (r Request) CheckWindow() error {
	if r.PageSize <= 0 || r.Page > MaxResultWindow/r.PageSize {
		return findings.Validation("p", "Can return only the first %d results. %dth result asked.", MaxResultWindow, int64(r.Page)*int64(r.PageSize))
	}
	return nil
}

// Known builds paging info when the full match count is known.
func (r Request) Known(total int) Info {
	return Info{PageIndex: r.Page, PageSize: r.PageSize, Total: total}
}

// Approximate builds paging info when only the returned slice size is known.
func (r Request) Approximate(returned int) Info {
	return Info{PageIndex: r.Page, PageSize: r.PageSize, Total: returned}
}

// Pages returns the number of pages covering Total.
func (i Info) Pages() int {
	if i.PageSize <= 0 {
		return 0
	}
	return (i.Total + i.PageSize - 1) / i.PageSize
}

// Paginate returns the page of ordered selected by r along with paging info
// carrying the full length of ordered as total. Pages past the end are empty.
func Paginate[T any](ordered []T, r Request) ([]T, Info) {
	off := r.Offset()
	if off < 0 || off >= len(ordered) {
		return []T{}, r.Known(len(ordered))
	}
	end := min(off+r.PageSize, len(ordered))
	return ordered[off:end], r.Known(len(ordered))
}
