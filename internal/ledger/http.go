package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const tokenHeader = "x-bg-ledger-token"

func init() {
	Register("http", func(ctx context.Context, opts Options) (Backend, error) {
		return OpenHTTP(HTTPConfig{Endpoint: opts.Endpoint, Token: opts.Token, Timeout: opts.Timeout})
	})
}

type HTTPConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// HTTPLedger queries a remote ledger service. It never retries: a failed call
// is reported to the caller, which falls back.
type HTTPLedger struct {
	cfg        HTTPConfig
	httpClient *http.Client
}

type lookupResponse struct {
	Entries []json.RawMessage `json:"entries"`
}

func OpenHTTP(cfg HTTPConfig) (*HTTPLedger, error) {
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ledger endpoint")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &HTTPLedger{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (h *HTTPLedger) get(ctx context.Context, path string, q url.Values, out any) error {
	u := h.cfg.Endpoint + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")
	if h.cfg.Token != "" {
		req.Header.Set(tokenHeader, h.cfg.Token)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func (h *HTTPLedger) Lookup(ctx context.Context, c Coord, radius int) ([]RawEntry, error) {
	q := url.Values{}
	q.Set("world", c.World)
	q.Set("x", strconv.Itoa(c.X))
	q.Set("y", strconv.Itoa(c.Y))
	q.Set("z", strconv.Itoa(c.Z))
	q.Set("radius", strconv.Itoa(radius))

	var resp lookupResponse
	if err := h.get(ctx, "/v1/lookup", q, &resp); err != nil {
		return nil, err
	}
	out := make([]RawEntry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		out = append(out, RawEntry(e))
	}
	return out, nil
}

func (h *HTTPLedger) Parse(raw RawEntry) (ChangeRecord, error) { return ParseEntry(raw) }

func (h *HTTPLedger) Info(ctx context.Context) (Info, error) {
	var info Info
	if err := h.get(ctx, "/v1/info", nil, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

func (h *HTTPLedger) Close() error {
	h.httpClient.CloseIdleConnections()
	return nil
}
