package bling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
)

func TestTruncateBody(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantLen int
	}{
		{"short", "abc", 3},
		{"exact", strings.Repeat("a", maxErrorBody), maxErrorBody},
		{"ascii", strings.Repeat("a", maxErrorBody+10), maxErrorBody},
		// "x" then two-byte runes: byte maxErrorBody falls inside a rune
		{"two byte runes", "x" + strings.Repeat("ç", maxErrorBody), maxErrorBody - 1},
		// three-byte runes: maxErrorBody is a multiple of 3, so the cut is clean
		{"three byte runes", strings.Repeat("€", maxErrorBody), maxErrorBody},
		{"four byte runes offset", "ab" + strings.Repeat("😀", maxErrorBody), maxErrorBody - 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateBody(tt.in)
			assert.Len(t, got, tt.wantLen)
			assert.True(t, utf8.ValidString(got))
			assert.True(t, strings.HasPrefix(tt.in, got))
		})
	}
}

func TestFetch_RemoteErrorBodyStaysValidUTF8(t *testing.T) {
	// one ASCII byte then two-byte runes, so the byte limit lands inside a rune
	body := "x" + strings.Repeat("ã", maxErrorBody)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{APIKey: "k", LegacyBaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), schema.Payable, 1, 100)
	var apiErr *RemoteAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Len(t, apiErr.Body, maxErrorBody-1)
	assert.True(t, utf8.ValidString(apiErr.Body))
}
