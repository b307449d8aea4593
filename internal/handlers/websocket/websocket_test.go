package websocket

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func requestFrom(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginChecker(t *testing.T) {
	restricted := originChecker([]string{"https://app.clinic.local", " https://admin.clinic.local "})
	assert.True(t, restricted(requestFrom("https://app.clinic.local")))
	assert.True(t, restricted(requestFrom("https://admin.clinic.local")))
	assert.True(t, restricted(requestFrom("")))
	assert.False(t, restricted(requestFrom("https://evil.example")))

	assert.True(t, originChecker([]string{"*"})(requestFrom("https://evil.example")))
	assert.True(t, originChecker(nil)(requestFrom("https://evil.example")))
}
