package store

// CursorKey is the decoded form of an opaque pagination cursor: the sort
// column's value at the last row of the previous page, plus that row's id
// as a deterministic tie-break. The opaque base64url encoding lives in the
// httpserver package (internal/httpserver/pagination.go); Store only ever
// sees the decoded (sortValue, id) pair, never the wire-format string.
type CursorKey struct {
	SortValue any
	ID        any
}
