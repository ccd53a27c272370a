// Package transform folds aggregate rows into search documents.
package transform

import (
	"slices"
	"strings"

	"github.com/Ramsey-B/willow/pkg/models"
)

// Result holds the documents that transformed cleanly and the roots that did not
type Result struct {
	Documents []models.Document
	Failures  []*DocumentError
}

// Transform builds one document per distinct film work in rows, in order of first appearance.
// A malformed row fails only its own film work.
func Transform(rows []models.AggregateRow) Result {
	var order []string
	groups := make(map[string][]models.AggregateRow)
	for _, row := range rows {
		if _, ok := groups[row.ID]; !ok {
			order = append(order, row.ID)
		}
		groups[row.ID] = append(groups[row.ID], row)
	}

	result := Result{Documents: make([]models.Document, 0, len(order))}
	for _, id := range order {
		doc, err := fold(id, groups[id])
		if err != nil {
			result.Failures = append(result.Failures, err)
			continue
		}
		result.Documents = append(result.Documents, doc)
	}
	return result
}

func fold(id string, rows []models.AggregateRow) (models.Document, *DocumentError) {
	doc := models.NewDocument(id)

	head := rows[0]
	if !head.Title.Valid {
		return doc, &DocumentError{RootID: id, Field: "title", Err: ErrMissingTitle}
	}
	doc.Title = head.Title.String
	doc.Description = head.Description.String
	if head.Rating.Valid {
		rating := head.Rating.Float64
		doc.Rating = &rating
	}

	genres := make(map[string]struct{})
	byRole := make(map[models.Role][]models.PersonRef)
	for _, row := range rows {
		for _, genre := range row.Genres {
			genres[genre] = struct{}{}
		}

		if !row.Role.Valid {
			continue
		}
		role := models.Role(row.Role.String)
		for _, value := range row.Persons {
			person, err := parsePerson(value)
			if err != nil {
				return doc, &DocumentError{RootID: id, Field: string(role), Value: value, Err: err}
			}
			byRole[role] = append(byRole[role], person)
		}
	}

	for genre := range genres {
		doc.Genre = append(doc.Genre, genre)
	}
	slices.Sort(doc.Genre)

	doc.Director = people(byRole[models.RoleDirector])
	doc.Actors = people(byRole[models.RoleActor])
	doc.Writers = people(byRole[models.RoleWriter])
	doc.ActorsNames = names(doc.Actors)
	doc.WritersNames = names(doc.Writers)

	return doc, nil
}

// parsePerson splits "<id>,<full name>"; both parts are required and the name may not contain a comma
func parsePerson(value string) (models.PersonRef, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return models.PersonRef{}, ErrMalformedPerson
	}
	id, name := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if id == "" || name == "" {
		return models.PersonRef{}, ErrMalformedPerson
	}
	return models.PersonRef{ID: id, Name: name}, nil
}

// people dedupes by id and sorts by name, then id
func people(refs []models.PersonRef) []models.PersonRef {
	out := make([]models.PersonRef, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref.ID]; ok {
			continue
		}
		seen[ref.ID] = struct{}{}
		out = append(out, ref)
	}
	slices.SortFunc(out, func(a, b models.PersonRef) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func names(refs []models.PersonRef) []string {
	out := make([]string, len(refs))
	for i, ref := range refs {
		out[i] = ref.Name
	}
	return out
}
