package pagination

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// ErrInvalidParams is wrapped by every error returned from Parse.
var ErrInvalidParams = errors.New("invalid pagination parameters")

// Params holds pagination parameters extracted from a request.
type Params struct {
	Page  int
	Limit int
}

// Parse reads "page" and "limit" from the query string. Missing values fall
// back to page 1 and DefaultLimit; malformed or out-of-range values are
// rejected rather than clamped.
func Parse(c echo.Context) (Params, error) {
	return New(c.QueryParam("page"), c.QueryParam("limit"))
}

// New builds Params from raw string values.
func New(rawPage, rawLimit string) (Params, error) {
	p := Params{Page: 1, Limit: DefaultLimit}

	if rawPage != "" {
		page, err := strconv.Atoi(rawPage)
		if err != nil || page < 1 {
			return Params{}, fmt.Errorf("%w: page must be a positive integer", ErrInvalidParams)
		}
		p.Page = page
	}

	if rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit < 1 {
			return Params{}, fmt.Errorf("%w: limit must be a positive integer", ErrInvalidParams)
		}
		if limit > MaxLimit {
			return Params{}, fmt.Errorf("%w: limit must not exceed %d", ErrInvalidParams, MaxLimit)
		}
		p.Limit = limit
	}

	return p, nil
}

// Offset returns the SQL offset for the current page.
func (p Params) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset()+p.Limit < total
}

// Window returns the [start, end) bounds of the page within a slice of n items.
func (p Params) Window(n int) (int, int) {
	start := p.Offset()
	if start > n {
		start = n
	}
	end := start + p.Limit
	if end > n {
		end = n
	}
	return start, end
}

// Response wraps a paginated API response.
type Response struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
	HasMore    bool        `json:"has_more"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return &Response{
		Data:       data,
		Total:      total,
		Page:       p.Page,
		Limit:      p.Limit,
		TotalPages: pages,
		HasMore:    p.HasNext(total),
	}
}
