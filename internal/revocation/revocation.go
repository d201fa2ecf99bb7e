// Package revocation looks up attestation certificates in the published
// status list. The list is fetched fresh on each load and falls back to a
// bundled snapshot when the network is unavailable.
package revocation

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"keyattest/internal/attestation"
	"keyattest/internal/config"
)

//go:embed status.json
var snapshot []byte

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "keyattest://revocation/schema.json"

// maxListSize bounds the fetched document.
const maxListSize = 16 << 20

// Sources of a loaded list.
const (
	SourceNetwork  = "network"
	SourceEmbedded = "embedded"
)

// ErrInvalidList is returned for documents that fail schema validation.
var ErrInvalidList = errors.New("revocation: invalid status list")

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func statusSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(schemaURL)
	})
	return compiled, compileErr
}

type document struct {
	Entries map[string]attestation.Status `json:"entries"`
}

// List is a parsed status list.
type List struct {
	Source    string
	FetchedAt time.Time
	entries   map[string]attestation.Status
}

// Parse validates data against the status list schema and parses it.
func Parse(data []byte) (*List, error) {
	schema, err := statusSchema()
	if err != nil {
		return nil, err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidList, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidList, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidList, err)
	}
	return &List{entries: doc.Entries}, nil
}

// Embedded returns the bundled snapshot.
func Embedded() (*List, error) {
	l, err := Parse(snapshot)
	if err != nil {
		return nil, fmt.Errorf("bundled status list: %w", err)
	}
	l.Source = SourceEmbedded
	return l, nil
}

// Lookup returns the entry for a certificate serial number. Keys are the
// lowercase hex of the serial without leading zeros.
func (l *List) Lookup(serial *big.Int) (*attestation.Status, bool) {
	if l == nil || serial == nil {
		return nil, false
	}
	st, ok := l.entries[strings.ToLower(serial.Text(16))]
	if !ok {
		return nil, false
	}
	return &st, true
}

// Len returns the number of entries.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// Fetcher loads the status list.
type Fetcher struct {
	url     string
	offline bool
	client  *retryablehttp.Client
	logger  *slog.Logger
}

// NewFetcher creates a fetcher from the revocation config section.
func NewFetcher(cfg config.RevocationConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "revocation")

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	url := cfg.URL
	if url == "" {
		url = config.DefaultRevocationURL
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = logger

	return &Fetcher{url: url, offline: cfg.Offline, client: client, logger: logger}
}

// Load fetches the list, falling back to the bundled snapshot on any
// failure. The returned error is non-nil only if the snapshot is unusable.
func (f *Fetcher) Load(ctx context.Context) (*List, error) {
	if f.offline {
		return Embedded()
	}
	l, err := f.Fetch(ctx)
	if err != nil {
		f.logger.Warn("status list fetch failed, using bundled snapshot", "url", f.url, "error", err)
		return Embedded()
	}
	return l, nil
}

// Fetch downloads and validates the list, bypassing every cache.
func (f *Fetcher) Fetch(ctx context.Context) (*List, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Cache-Control", "max-age=0, no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Expires", "0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch status list: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxListSize+1))
	if err != nil {
		return nil, fmt.Errorf("read status list: %w", err)
	}
	if len(data) > maxListSize {
		return nil, fmt.Errorf("%w: document too large", ErrInvalidList)
	}

	l, err := Parse(data)
	if err != nil {
		return nil, err
	}
	l.Source = SourceNetwork
	l.FetchedAt = time.Now()
	f.logger.Info("status list loaded", "entries", l.Len())
	return l, nil
}
