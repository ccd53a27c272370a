package database

import (
	"github.com/huandu/go-sqlbuilder"
)

type SelectBuilder struct {
	*sqlbuilder.SelectBuilder
}

func NewSelectBuilder() *SelectBuilder {
	return &SelectBuilder{
		sqlbuilder.PostgreSQL.NewSelectBuilder(),
	}
}

// Args converts ids into arguments for In
func Args(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// Chunk splits ids into slices of at most size elements
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/max(size, 1))
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
