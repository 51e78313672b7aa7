package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCORSPreflight(t *testing.T) {
	c := testCfg()
	c.AllowedOrigins = []string{"https://ui.example"}
	f := newFixture(t, c)
	id := strings.Repeat("ab", 16)

	for _, path := range []string{"/paste/" + id, "/api/paste/" + id, "/paste", "/api/paste"} {
		t.Run(path, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodOptions, f.srv.URL+path, nil)
			require.NoError(t, err)
			req.Header.Set("Origin", "https://ui.example")
			req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			req.Header.Set("Access-Control-Request-Headers", "X-Paste-Password")
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
			assert.Equal(t, "https://ui.example", resp.Header.Get("Access-Control-Allow-Origin"))
			assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-Paste-Password")
		})
	}

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/paste/"+id, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
