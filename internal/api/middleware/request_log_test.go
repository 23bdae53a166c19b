package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"log/slog"

	"github.com/gin-gonic/gin"
)

func TestRequestLogger_ErrorLevelOnServerError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	r := gin.New()
	r.Use(RequestLogger(logger))
	r.GET("/ok", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/boom", func(c *gin.Context) {
		_ = c.Error(errors.New("downstream failed"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "boom"})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok?page=2", nil))
	line := buf.String()
	if !strings.Contains(line, "level=INFO") || !strings.Contains(line, "query=page=2") {
		t.Fatalf("unexpected log for 200: %q", line)
	}

	buf.Reset()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	line = buf.String()
	if !strings.Contains(line, "level=ERROR") || !strings.Contains(line, "status=500") {
		t.Fatalf("expected error-level log for 500, got: %q", line)
	}
}
