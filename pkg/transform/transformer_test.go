package transform

import (
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/willow/pkg/models"
)

func str(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func TestTransform_FoldsRolesIntoOneDocument(t *testing.T) {
	rows := []models.AggregateRow{
		{ID: "R1", Title: str("Star"), Description: str("space"), Rating: sql.NullFloat64{Float64: 8.5, Valid: true}, Role: str("actor"), Persons: pq.StringArray{"C2,Bob Ray", "C1,Ann Lee"}, Genres: pq.StringArray{"Sci-Fi", "Drama"}},
		{ID: "R1", Title: str("Star"), Description: str("space"), Rating: sql.NullFloat64{Float64: 8.5, Valid: true}, Role: str("director"), Persons: pq.StringArray{"C3,Cy Doe"}, Genres: pq.StringArray{"Drama", "Sci-Fi"}},
		{ID: "R1", Title: str("Star"), Description: str("space"), Rating: sql.NullFloat64{Float64: 8.5, Valid: true}, Role: str("writer"), Persons: pq.StringArray{"C1,Ann Lee"}, Genres: pq.StringArray{"Drama"}},
	}

	result := Transform(rows)
	require.Empty(t, result.Failures)
	require.Len(t, result.Documents, 1)

	doc := result.Documents[0]
	assert.Equal(t, "R1", doc.ID)
	assert.Equal(t, "Star", doc.Title)
	assert.Equal(t, "space", doc.Description)
	require.NotNil(t, doc.Rating)
	assert.Equal(t, 8.5, *doc.Rating)
	assert.Equal(t, []string{"Drama", "Sci-Fi"}, doc.Genre)
	assert.Equal(t, []models.PersonRef{{ID: "C1", Name: "Ann Lee"}, {ID: "C2", Name: "Bob Ray"}}, doc.Actors)
	assert.Equal(t, []string{"Ann Lee", "Bob Ray"}, doc.ActorsNames)
	assert.Equal(t, []models.PersonRef{{ID: "C3", Name: "Cy Doe"}}, doc.Director)
	assert.Equal(t, []models.PersonRef{{ID: "C1", Name: "Ann Lee"}}, doc.Writers)
	assert.Equal(t, []string{"Ann Lee"}, doc.WritersNames)
}

func TestTransform_AbsentRolesAreEmptyLists(t *testing.T) {
	rows := []models.AggregateRow{
		{ID: "R2", Title: str("Quiet"), Persons: pq.StringArray{}, Genres: pq.StringArray{}},
	}

	result := Transform(rows)
	require.Len(t, result.Documents, 1)

	doc := result.Documents[0]
	assert.Nil(t, doc.Rating)
	assert.Equal(t, "", doc.Description)

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "R2",
		"title": "Quiet",
		"description": "",
		"rating": null,
		"genre": [],
		"director": [],
		"actors_names": [],
		"writers_names": [],
		"actors": [],
		"writers": []
	}`, string(raw))
}

func TestTransform_MalformedPersonFailsOnlyItsDocument(t *testing.T) {
	rows := []models.AggregateRow{
		{ID: "R1", Title: str("Bad"), Role: str("actor"), Persons: pq.StringArray{"C1,A,B"}},
		{ID: "R3", Title: str("Good"), Role: str("actor"), Persons: pq.StringArray{"C4,Dee Fox"}},
	}

	result := Transform(rows)

	require.Len(t, result.Documents, 1)
	assert.Equal(t, "R3", result.Documents[0].ID)
	assert.Equal(t, []string{"Dee Fox"}, result.Documents[0].ActorsNames)

	require.Len(t, result.Failures, 1)
	failure := result.Failures[0]
	assert.Equal(t, "R1", failure.RootID)
	assert.Equal(t, "actor", failure.Field)
	assert.Equal(t, "C1,A,B", failure.Value)
	assert.ErrorIs(t, failure, ErrMalformedPerson)
}

func TestTransform_MissingTitleIsDataError(t *testing.T) {
	result := Transform([]models.AggregateRow{{ID: "R9"}})

	assert.Empty(t, result.Documents)
	require.Len(t, result.Failures, 1)
	assert.ErrorIs(t, result.Failures[0], ErrMissingTitle)
}

func TestTransform_IgnoresUnknownRoles(t *testing.T) {
	rows := []models.AggregateRow{
		{ID: "R1", Title: str("Star"), Role: str("producer"), Persons: pq.StringArray{"C1,Ann Lee"}},
	}

	result := Transform(rows)
	require.Len(t, result.Documents, 1)
	assert.Empty(t, result.Documents[0].Actors)
	assert.Empty(t, result.Documents[0].Director)
}

func TestTransform_KeepsFirstAppearanceOrder(t *testing.T) {
	rows := []models.AggregateRow{
		{ID: "B", Title: str("b")},
		{ID: "A", Title: str("a")},
		{ID: "B", Title: str("b"), Role: str("actor"), Persons: pq.StringArray{"C1,Ann Lee"}},
	}

	result := Transform(rows)
	require.Len(t, result.Documents, 2)
	assert.Equal(t, "B", result.Documents[0].ID)
	assert.Equal(t, "A", result.Documents[1].ID)
	assert.Len(t, result.Documents[0].Actors, 1)
}

func TestTransform_Empty(t *testing.T) {
	result := Transform(nil)
	assert.Empty(t, result.Documents)
	assert.Empty(t, result.Failures)
}

func TestParsePerson(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"C1,Ann Lee", true},
		{"C1,A,B", false},
		{"C1,", false},
		{",Ann", false},
		{"C1", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			_, err := parsePerson(tt.value)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedPerson)
			}
		})
	}
}

func TestDocumentError_Message(t *testing.T) {
	err := &DocumentError{RootID: "R1", Field: "actor", Value: "C1,A,B", Err: ErrMalformedPerson}
	assert.Equal(t, `document R1: actor "C1,A,B": malformed person`, err.Error())
}
