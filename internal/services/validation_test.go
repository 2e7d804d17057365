package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationHelper_Msisdn(t *testing.T) {
	vh := NewValidationHelper()

	type form struct {
		Phone string `validate:"required,msisdn"`
	}

	valid := []string{
		"0244000001",
		"244000001",
		"233244000001",
		"+233244000001",
	}
	for _, phone := range valid {
		assert.NoError(t, vh.ValidateStruct(&form{Phone: phone}), phone)
	}

	invalid := []string{
		"abc",
		"02440",
		"12345678901234",
		"",
	}
	for _, phone := range invalid {
		assert.Error(t, vh.ValidateStruct(&form{Phone: phone}), phone)
	}
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Something failed", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, "Something failed", resp.Error)
		assert.Empty(t, resp.Details)
	})

	t.Run("validation details included", func(t *testing.T) {
		vh := NewValidationHelper()
		type form struct {
			Amount int64 `validate:"required,gt=0"`
		}
		err := vh.ValidateStruct(&form{})
		assert.Error(t, err)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)

		var resp ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Contains(t, resp.Details, "Amount")
	})
}
