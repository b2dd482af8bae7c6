package store

// Page describes a pagination request. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps the page request to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = 10
	}
	if p.Size > 100 {
		p.Size = 100
	}
	return p
}

// Offset returns the row offset for the page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// Paginated is a page of items with the total row count.
type Paginated[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
}
