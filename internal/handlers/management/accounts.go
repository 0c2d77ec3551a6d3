package management

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// AddAccount registers a temporary credential. authData may be a JSON
// object or a string holding one.
func (h *Handler) AddAccount(c *gin.Context) {
	var body struct {
		Index    any             `json:"index"`
		AuthData json.RawMessage `json:"authData"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "invalid json")
		return
	}
	index, ok := coerceInt(body.Index)
	if !ok || index == 0 || len(body.AuthData) == 0 || string(body.AuthData) == "null" {
		respondError(c, http.StatusBadRequest, "index and authData are required")
		return
	}
	payload, err := authPayload(body.AuthData)
	if err != nil {
		respondError(c, http.StatusBadRequest, "authData is not valid JSON")
		return
	}
	if err := h.pool.AddTemporary(index, payload); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if h.stats != nil {
		h.stats.EnsureAccount(index)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("temporary account %d added", index)})
}

// RemoveAccount drops a temporary credential. Permanent ones are refused.
func (h *Handler) RemoveAccount(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "index must be a number")
		return
	}
	if err := h.pool.RemoveTemporary(index); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("temporary account %d removed", index)})
}

// authPayload unwraps a string-encoded payload. Object validation is left
// to the pool.
func authPayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if !json.Valid([]byte(s)) {
			return nil, errors.New("authData string is not JSON")
		}
		return []byte(s), nil
	}
	return raw, nil
}
