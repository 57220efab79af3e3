package db

import (
	"github.com/surrealdb/surrealdb.go"
)

// rows returns the records of the first statement.
func rows[T any](results *[]surrealdb.QueryResult[[]T]) []T {
	if results == nil || len(*results) == 0 {
		return nil
	}
	return (*results)[0].Result
}

// lastRows returns the records of the last statement that produced any.
// Transactions emit one result per statement; LET and IF yield none.
func lastRows[T any](results *[]surrealdb.QueryResult[[]T]) []T {
	if results == nil {
		return nil
	}
	for i := len(*results) - 1; i >= 0; i-- {
		if r := (*results)[i].Result; len(r) > 0 {
			return r
		}
	}
	return nil
}

// first returns a pointer to the first record, or nil.
func first[T any](items []T) *T {
	if len(items) == 0 {
		return nil
	}
	return &items[0]
}

type countRow struct {
	Count int `json:"count"`
}

func countOf(results *[]surrealdb.QueryResult[[]countRow]) int {
	if r := first(rows(results)); r != nil {
		return r.Count
	}
	return 0
}

// orEmpty keeps SurrealDB from storing NONE for array<string> fields.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
