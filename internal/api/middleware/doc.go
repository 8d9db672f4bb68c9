// Package middleware provides gin middleware for the HTTP surface: CORS
// and per-IP rate limiting of session creation.
package middleware
