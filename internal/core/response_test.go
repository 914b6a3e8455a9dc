package core

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/types"
)

type decodeTarget struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count" validate:"gte=0,lte=10"`
}

func decode(body string, allowEmpty bool) (decodeTarget, error) {
	var dst decodeTarget
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	err := DecodeJSON(httptest.NewRecorder(), req, &dst, allowEmpty)
	return dst, err
}

func TestDecodeJSON(t *testing.T) {
	got, err := decode(`{"name":"a","count":2}`, false)
	require.NoError(t, err)
	assert.Equal(t, decodeTarget{Name: "a", Count: 2}, got)

	for name, body := range map[string]string{
		"syntax":  `{"name":`,
		"unknown": `{"nme":"a"}`,
		"type":    `{"count":"x"}`,
		"empty":   ``,
		"two":     `{} {}`,
	} {
		_, err := decode(body, false)
		var appErr *types.AppError
		if assert.ErrorAs(t, err, &appErr, name) {
			assert.Equal(t, types.ErrCodeValidationBody, appErr.Code, name)
		}
	}

	_, err = decode(``, true)
	assert.NoError(t, err)
}

func TestError_MapsAppErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(types.WithRequestID(req.Context(), "rid"))

	rec := httptest.NewRecorder()
	Error(rec, req, types.NewAppError(types.ErrCodeNotFoundTask, "task not found", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"request_id":"rid"`)

	rec = httptest.NewRecorder()
	Error(rec, req, errors.New("pq: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestValidateStruct(t *testing.T) {
	v := NewValidator(quietLogger())

	assert.NoError(t, v.ValidateStruct(decodeTarget{Name: "a"}))

	err := v.ValidateStruct(decodeTarget{Count: 11})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
	fields := appErr.Details["fields"].(map[string]any)
	assert.Equal(t, "required", fields["name"])
	assert.Equal(t, "lte", fields["count"])

	err = v.ValidateStruct(decodeTarget{Name: "a", Count: -1})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidField, appErr.Code)
}
