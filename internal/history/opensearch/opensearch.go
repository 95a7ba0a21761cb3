// Package opensearch indexes lifecycle events into an OpenSearch or
// Elasticsearch cluster over its document API.
package opensearch

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/devpm/internal/history"
)

// DefaultIndex receives events when the DSN names no index.
const DefaultIndex = "service-history"

// maxErrBody bounds how much of a failed response ends up in the error.
const maxErrBody = 256

// Sink writes each event as one document. Document IDs derive from the
// event itself, so a retried Send overwrites instead of duplicating.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

// New returns a Sink posting to baseURL/index.
func New(baseURL, index string) *Sink {
	if index == "" {
		index = DefaultIndex
	}
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

// Index returns the target index name.
func (s *Sink) Index() string { return s.index }

// DocID identifies e within the index.
func DocID(e history.Event) string {
	h := sha1.New()
	for _, part := range []string{
		e.ProjectDir, e.CommandName, string(e.Type),
		strconv.Itoa(e.PID), strconv.FormatInt(e.OccurredAt.UnixNano(), 10),
	} {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	u := s.baseURL + "/" + url.PathEscape(s.index) + "/_doc/" + DocID(e)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("index %s: %w", s.index, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return fmt.Errorf("index %s: status %d: %s", s.index, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
