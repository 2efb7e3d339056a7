// Package httputil provides HTTP handler utilities for the uniform result
// envelope, JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"
)

// Envelope is the uniform result triple every operation returns.
// Code mirrors the HTTP status so callers can consume either.
type Envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// WriteEnvelope writes a result envelope with the given status code
func WriteEnvelope(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Envelope{
		Code:    status,
		Message: message,
		Data:    data,
	})
}

// WriteOK writes a successful envelope (200 OK)
func WriteOK(w http.ResponseWriter, message string, data interface{}) {
	WriteEnvelope(w, http.StatusOK, message, data)
}

// WriteCreated writes a successful creation envelope (201 Created)
func WriteCreated(w http.ResponseWriter, message string, data interface{}) {
	WriteEnvelope(w, http.StatusCreated, message, data)
}

// WriteBadRequest writes a bad request envelope (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteEnvelope(w, http.StatusBadRequest, message, nil)
}

// WriteUnauthorized writes an unauthorized envelope (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteEnvelope(w, http.StatusUnauthorized, message, nil)
}

// WriteForbidden writes a forbidden envelope (403)
func WriteForbidden(w http.ResponseWriter, message string, data interface{}) {
	WriteEnvelope(w, http.StatusForbidden, message, data)
}

// WriteNotFound writes a not found envelope (404)
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteEnvelope(w, http.StatusNotFound, message, nil)
}

// WriteBadGateway writes an upstream failure envelope (502)
func WriteBadGateway(w http.ResponseWriter, message string) {
	WriteEnvelope(w, http.StatusBadGateway, message, nil)
}

// WriteInternalError writes a generic internal error envelope (500).
// The underlying error detail is deliberately not included; callers log it.
func WriteInternalError(w http.ResponseWriter) {
	WriteEnvelope(w, http.StatusInternalServerError, "internal error", nil)
}
