package terminology

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidroman0O/refsetlite/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/snowstorm/snomed-ct", WithRetries(2, time.Millisecond))
}

func TestClientEvaluateQueryPages(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/snowstorm/snomed-ct/MAIN/2024-01-31/concepts", r.URL.Path)
		assert.Equal(t, "<<73211009", r.URL.Query().Get("ecl"))
		page := conceptPage{Total: 3}
		if r.URL.Query().Get("searchAfter") == "" {
			page.Items = []conceptItem{{ConceptID: "1", Active: true}, {ConceptID: "2", Active: true}}
			page.SearchAfter = "next"
		} else {
			assert.Equal(t, "next", r.URL.Query().Get("searchAfter"))
			page.Items = []conceptItem{{ConceptID: "3", Active: true}}
		}
		json.NewEncoder(w).Encode(page)
	})

	codes, err := c.EvaluateQuery(context.Background(), "MAIN/2024-01-31", "<<73211009")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, codes)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(conceptPage{Items: []conceptItem{{ConceptID: "1", Active: true, ModuleID: "m", Fsn: struct {
			Term string `json:"term"`
		}{Term: "Diabetes"}}}, Total: 1})
	})

	concepts, err := c.Concepts(context.Background(), "MAIN", []string{"1", "2"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, Concept{Code: "1", Active: true, ModuleID: "m", Term: "Diabetes"}, concepts["1"])
	assert.NotContains(t, concepts, "2")
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := c.EvaluateQuery(context.Background(), "MAIN", "*")
	assert.ErrorIs(t, err, types.ErrInternal)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientMapsClientErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ecl") != "" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"invalid ECL"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := c.EvaluateQuery(context.Background(), "MAIN", "<<(")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = c.HistoricalAssociations(context.Background(), "MAIN", "123")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestClientAssociationsAndParents(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/snowstorm/snomed-ct/browser/MAIN/concepts/123":
			json.NewEncoder(w).Encode(browserConcept{
				ConceptID: "123",
				AssociationTargets: map[string][]string{
					"POSSIBLY_EQUIVALENT_TO": {"9"},
					"REPLACED_BY":            {"7"},
				},
			})
		case "/snowstorm/snomed-ct/browser/MAIN/concepts/123/parents":
			json.NewEncoder(w).Encode([]conceptItem{{ConceptID: "50", Active: true}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	assoc, err := c.HistoricalAssociations(context.Background(), "MAIN", "123")
	require.NoError(t, err)
	assert.Equal(t, []Association{
		{Type: types.AssociationReplacedBy, Target: "7"},
		{Type: types.AssociationPossiblyEquivalentTo, Target: "9"},
	}, assoc)

	parents, err := c.Ancestors(context.Background(), "MAIN", "123")
	require.NoError(t, err)
	assert.Equal(t, []string{"50"}, parents)
}
