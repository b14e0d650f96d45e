package jsonapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/d9705996/logexpert/internal/api/jsonapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderOne(t *testing.T) {
	type attrs struct {
		Name string `json:"name"`
	}

	w := httptest.NewRecorder()
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type:       "widgets",
		ID:         "1",
		Attributes: attrs{Name: "test"},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.api+json", w.Header().Get("Content-Type"))

	var doc jsonapi.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.NotNil(t, doc.Data)
}

func TestRenderList_EmptySlice(t *testing.T) {
	w := httptest.NewRecorder()
	jsonapi.RenderList(w, http.StatusOK, nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)

	var doc jsonapi.ListDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.NotNil(t, doc.Data)
	assert.Len(t, doc.Data, 0)
}

func TestRenderError(t *testing.T) {
	w := httptest.NewRecorder()
	jsonapi.RenderError(w, http.StatusNotFound, "not_found", "Not Found", "the resource does not exist")

	assert.Equal(t, http.StatusNotFound, w.Code)

	var doc jsonapi.ErrorDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, "not_found", doc.Errors[0].Code)
	assert.Equal(t, "the resource does not exist", doc.Errors[0].Detail)
}

func TestRenderErrors_MultipleErrors(t *testing.T) {
	w := httptest.NewRecorder()
	jsonapi.RenderErrors(w, http.StatusUnprocessableEntity, []jsonapi.ErrorObject{
		{
			Code: "missing_field", Title: "Missing Field", Detail: "name is required",
			Source: &jsonapi.ErrorSource{Pointer: "/data/attributes/name"},
		},
		{
			Code: "missing_field", Title: "Missing Field", Detail: "email is required",
			Source: &jsonapi.ErrorSource{Pointer: "/data/attributes/email"},
		},
	})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var doc jsonapi.ErrorDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Len(t, doc.Errors, 2)
}

func TestRenderFieldError_SourcePointer(t *testing.T) {
	w := httptest.NewRecorder()
	jsonapi.RenderFieldError(w, http.StatusUnprocessableEntity, "validation_failed", "Unprocessable Entity",
		"invalid title: is required", "/data/attributes/title")

	var doc jsonapi.ErrorDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Len(t, doc.Errors, 1)
	require.NotNil(t, doc.Errors[0].Source)
	assert.Equal(t, "/data/attributes/title", doc.Errors[0].Source.Pointer)
}

func TestRenderList_Pagination(t *testing.T) {
	type item struct {
		ID   string `json:"-"`
		Name string `json:"name"`
	}
	items := []item{{ID: "a", Name: "first"}, {ID: "b", Name: "second"}}

	w := httptest.NewRecorder()
	jsonapi.RenderList(w, http.StatusOK,
		jsonapi.Resources("items", items, func(i item) string { return i.ID }),
		&jsonapi.Pagination{Offset: 0, Limit: 2, Total: 5})

	var doc struct {
		Data []jsonapi.ResourceObject `json:"data"`
		Page jsonapi.Pagination       `json:"page"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Len(t, doc.Data, 2)
	assert.Equal(t, "b", doc.Data[1].ID)
	assert.Equal(t, "items", doc.Data[1].Type)
	assert.Equal(t, int64(5), doc.Page.Total)
	assert.Equal(t, 2, doc.Page.Limit)
}

func TestDecodeAttributes(t *testing.T) {
	var dst struct {
		Title string `json:"title"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"data":{"type":"incidents","attributes":{"title":"db down"}}}`))
	require.NoError(t, jsonapi.DecodeAttributes(r, &dst))
	assert.Equal(t, "db down", dst.Title)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"data":{}}`))
	assert.Error(t, jsonapi.DecodeAttributes(r, &dst))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`not json`))
	assert.Error(t, jsonapi.DecodeAttributes(r, &dst))
}
