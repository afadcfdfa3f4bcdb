package pagination

import (
	"fmt"
	"strconv"

	"callcore-backend/pkg/constants"
)

// Params represents pagination query parameters
type Params struct {
	Page   int
	Limit  int
	Offset int
	// Ascending orders oldest first; history defaults to newest first.
	Ascending bool
}

// Page is a paginated response body
type Page struct {
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	Total      int64       `json:"total"`
	TotalPages int         `json:"total_pages"`
	HasMore    bool        `json:"has_more"`
	Data       interface{} `json:"data"`
}

// Parse parses page, limit and order query values. Out of range values are
// clamped; non-numeric values are rejected.
func Parse(pageStr, limitStr, order string) (*Params, error) {
	page := 1
	limit := constants.DefaultPageSize

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p > 1 {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case l < 1:
			limit = 1
		case l > constants.MaxPageSize:
			limit = constants.MaxPageSize
		default:
			limit = l
		}
	}

	return &Params{
		Page:      page,
		Limit:     limit,
		Offset:    (page - 1) * limit,
		Ascending: order == "asc",
	}, nil
}

// TotalPages calculates total pages from total count and limit
func TotalPages(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	pages := int(total) / limit
	if int(total)%limit > 0 {
		pages++
	}
	return pages
}

// Build creates a standardized pagination response
func Build(params *Params, total int64, data interface{}) *Page {
	totalPages := TotalPages(total, params.Limit)
	return &Page{
		Page:       params.Page,
		Limit:      params.Limit,
		Total:      total,
		TotalPages: totalPages,
		HasMore:    params.Page < totalPages,
		Data:       data,
	}
}
