package revocation

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyattest/internal/config"
)

func serial(t *testing.T, hex string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(hex, 16)
	require.True(t, ok)
	return n
}

func TestEmbeddedSnapshot(t *testing.T) {
	l, err := Embedded()
	require.NoError(t, err)
	assert.Equal(t, SourceEmbedded, l.Source)
	assert.Positive(t, l.Len())

	st, ok := l.Lookup(serial(t, "2C8CDDDFD5E03BFC"))
	require.True(t, ok)
	assert.Equal(t, "REVOKED", st.Status)
	assert.Equal(t, "KEY_COMPROMISE", st.Reason)

	_, ok = l.Lookup(big.NewInt(1))
	assert.False(t, ok)

	var nilList *List
	_, ok = nilList.Lookup(big.NewInt(1))
	assert.False(t, ok)
}

func TestLookupIgnoresLeadingZeros(t *testing.T) {
	l, err := Parse([]byte(`{"entries":{"abc":{"status":"SUSPENDED"}}}`))
	require.NoError(t, err)
	_, ok := l.Lookup(serial(t, "0000abc"))
	assert.True(t, ok)
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, doc := range []string{
		`not json`,
		`{}`,
		`{"entries":{"ABC":{"status":"REVOKED"}}}`,
		`{"entries":{"abc":{"status":"FINE"}}}`,
		`{"entries":{"abc":{"reason":"KEY_COMPROMISE"}}}`,
	} {
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalidList, doc)
	}
}

func TestFetchSendsNoCacheHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entries":{"1f":{"status":"REVOKED","reason":"SUPERSEDED"}}}`))
	}))
	defer srv.Close()

	f := NewFetcher(config.RevocationConfig{URL: srv.URL, TimeoutSec: 5}, nil)
	l, err := f.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SourceNetwork, l.Source)
	assert.False(t, l.FetchedAt.IsZero())
	assert.Equal(t, 1, l.Len())
	_, ok := l.Lookup(big.NewInt(0x1f))
	assert.True(t, ok)

	assert.Equal(t, "max-age=0, no-cache, no-store, must-revalidate", got.Get("Cache-Control"))
	assert.Equal(t, "no-cache", got.Get("Pragma"))
	assert.Equal(t, "0", got.Get("Expires"))
}

func TestLoadFallsBack(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		}},
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}},
		{"schema violation", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"entries":[]}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			f := NewFetcher(config.RevocationConfig{URL: srv.URL, TimeoutSec: 5}, nil)
			_, err := f.Fetch(context.Background())
			assert.Error(t, err)

			l, err := f.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, SourceEmbedded, l.Source)
		})
	}
}

func TestOfflineSkipsNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	f := NewFetcher(config.RevocationConfig{URL: srv.URL, Offline: true}, nil)
	l, err := f.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceEmbedded, l.Source)
	assert.False(t, called)
}
