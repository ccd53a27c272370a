package extract

import (
	"fmt"

	"github.com/Ramsey-B/willow/pkg/models"
)

const (
	filmWorkTable       = "film_work"
	personTable         = "person"
	genreTable          = "genre"
	personFilmWorkTable = "person_film_work"
	genreFilmWorkTable  = "genre_film_work"
)

// Relation is the bridge table linking an entity type to film works
type Relation struct {
	Table      string
	ForeignKey string
}

// Schema resolves content table names
type Schema struct {
	Name string
}

func DefaultSchema(name string) Schema {
	if name == "" {
		name = "content"
	}
	return Schema{Name: name}
}

// Table returns the qualified table name
func (s Schema) Table(name string) string {
	return fmt.Sprintf("%s.%s", s.Name, name)
}

// EntityTable returns the table scanned for changes of entityType
func (s Schema) EntityTable(entityType models.EntityType) string {
	return s.Table(string(entityType))
}

// RelationFor returns the bridge table of a non-root entity type
func RelationFor(entityType models.EntityType) (Relation, bool) {
	switch entityType {
	case models.EntityTypePerson:
		return Relation{Table: personFilmWorkTable, ForeignKey: "person_id"}, true
	case models.EntityTypeGenre:
		return Relation{Table: genreFilmWorkTable, ForeignKey: "genre_id"}, true
	default:
		return Relation{}, false
	}
}
