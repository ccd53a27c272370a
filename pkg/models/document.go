package models

import (
	"database/sql"

	"github.com/lib/pq"
)

// AggregateRow is one (film work, role) group produced by the aggregate join.
// Persons holds "<person id>,<full name>" pairs for Role; Genres holds every
// genre name attached to the film work.
type AggregateRow struct {
	ID          string          `db:"id"`
	Title       sql.NullString  `db:"title"`
	Description sql.NullString  `db:"description"`
	Rating      sql.NullFloat64 `db:"rating"`
	Role        sql.NullString  `db:"role"`
	Persons     pq.StringArray  `db:"persons"`
	Genres      pq.StringArray  `db:"genres"`
}

// PersonRef is an {id, name} pair inside a document
type PersonRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Document is the search index representation of a film work
type Document struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	Rating       *float64    `json:"rating"`
	Genre        []string    `json:"genre"`
	Director     []PersonRef `json:"director"`
	ActorsNames  []string    `json:"actors_names"`
	WritersNames []string    `json:"writers_names"`
	Actors       []PersonRef `json:"actors"`
	Writers      []PersonRef `json:"writers"`
}

// NewDocument returns a document with every list field non-nil
func NewDocument(id string) Document {
	return Document{
		ID:           id,
		Genre:        []string{},
		Director:     []PersonRef{},
		ActorsNames:  []string{},
		WritersNames: []string{},
		Actors:       []PersonRef{},
		Writers:      []PersonRef{},
	}
}
