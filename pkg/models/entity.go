package models

import (
	"fmt"
	"time"
)

// EntityType names a content table that carries a modified column
type EntityType string

const (
	EntityTypeFilmWork EntityType = "film_work"
	EntityTypePerson   EntityType = "person"
	EntityTypeGenre    EntityType = "genre"
)

// ParseEntityType validates a configured entity type name
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityTypeFilmWork, EntityTypePerson, EntityTypeGenre:
		return EntityType(s), nil
	default:
		return "", fmt.Errorf("unknown entity type %q", s)
	}
}

// Role is the credit a person holds on a film work
type Role string

const (
	RoleActor    Role = "actor"
	RoleWriter   Role = "writer"
	RoleDirector Role = "director"
)

// ChangedRow is a row returned by a modified-since scan
type ChangedRow struct {
	ID       string    `db:"id"`
	Modified time.Time `db:"modified"`
}

// Batch is the output of one change scan for an entity type.
// NewestModified is nil when nothing changed.
type Batch struct {
	EntityType     EntityType
	IDs            []string
	NewestModified *time.Time
}

// Empty reports whether the scan found no work
func (b Batch) Empty() bool {
	return len(b.IDs) == 0
}
