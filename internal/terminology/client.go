package terminology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	pageSize      = 10000
	conceptsBatch = 100
)

type clientConfig struct {
	httpClient *http.Client
	retries    uint64
	backoff    time.Duration
	rate       rate.Limit
	burst      int
	logger     logger.Logger
}

type ClientOption func(*clientConfig)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cfg *clientConfig) {
		cfg.httpClient = c
	}
}

// WithRetries retries transient failures n times, waiting backoff between attempts.
func WithRetries(n uint64, backoff time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retries = n
		cfg.backoff = backoff
	}
}

// WithRateLimit caps outbound requests per second. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(cfg *clientConfig) {
		if perSecond <= 0 {
			cfg.rate = rate.Inf
		} else {
			cfg.rate = rate.Limit(perSecond)
		}
		cfg.burst = burst
	}
}

func WithClientLogger(l logger.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = l
	}
}

// Client talks to a Snowstorm-style terminology REST API.
type Client struct {
	base    string
	http    *http.Client
	retries uint64
	backoff time.Duration
	limiter *rate.Limiter
	flight  singleflight.Group
	logger  logger.Logger
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	cfg := clientConfig{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retries:    3,
		backoff:    500 * time.Millisecond,
		rate:       rate.Inf,
		burst:      1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewNopLogger()
	}
	if cfg.burst < 1 {
		cfg.burst = 1
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    cfg.httpClient,
		retries: cfg.retries,
		backoff: cfg.backoff,
		limiter: rate.NewLimiter(cfg.rate, cfg.burst),
		logger:  cfg.logger,
	}
}

type conceptItem struct {
	ConceptID string `json:"conceptId"`
	Active    bool   `json:"active"`
	ModuleID  string `json:"moduleId"`
	Fsn       struct {
		Term string `json:"term"`
	} `json:"fsn"`
}

func (i conceptItem) concept() Concept {
	return Concept{Code: i.ConceptID, Active: i.Active, ModuleID: i.ModuleID, Term: i.Fsn.Term}
}

type conceptPage struct {
	Items       []conceptItem `json:"items"`
	Total       int           `json:"total"`
	SearchAfter string        `json:"searchAfter"`
}

type browserConcept struct {
	ConceptID          string              `json:"conceptId"`
	Active             bool                `json:"active"`
	AssociationTargets map[string][]string `json:"associationTargets"`
}

// get fetches path and decodes the JSON body into out. Identical concurrent
// requests share one round trip.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	body, err, _ := c.flight.Do(target, func() (any, error) {
		return c.fetch(ctx, target)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return errors.Join(types.ErrInternal, fmt.Errorf("decoding %s: %w", path, err))
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, target string) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, retry.WithMaxRetries(c.retries, retry.NewConstant(c.backoff)), func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn(ctx, "Terminology request failed", "url", target, "error", err)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", types.ErrNotFound, target)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			c.logger.Warn(ctx, "Terminology server error", "url", target, "status", resp.StatusCode)
			return retry.RetryableError(fmt.Errorf("terminology server returned %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("%w: terminology server rejected the request: %s", types.ErrValidation, strings.TrimSpace(string(data)))
		}
		body = data
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrValidation) || errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		return nil, errors.Join(types.ErrInternal, err)
	}
	return body, nil
}

func (c *Client) EvaluateQuery(ctx context.Context, branch, ecl string) ([]string, error) {
	if strings.TrimSpace(ecl) == "" {
		return nil, fmt.Errorf("%w: empty expression", types.ErrValidation)
	}
	var (
		codes       []string
		searchAfter string
	)
	for {
		q := url.Values{}
		q.Set("ecl", ecl)
		q.Set("activeFilter", "true")
		q.Set("limit", strconv.Itoa(pageSize))
		if searchAfter != "" {
			q.Set("searchAfter", searchAfter)
		}
		var page conceptPage
		if err := c.get(ctx, "/"+branch+"/concepts", q, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			codes = append(codes, item.ConceptID)
		}
		if len(page.Items) == 0 || page.SearchAfter == "" || len(codes) >= page.Total {
			return codes, nil
		}
		searchAfter = page.SearchAfter
	}
}

func (c *Client) Concepts(ctx context.Context, branch string, codes []string) (map[string]Concept, error) {
	out := make(map[string]Concept, len(codes))
	for start := 0; start < len(codes); start += conceptsBatch {
		end := min(start+conceptsBatch, len(codes))
		q := url.Values{}
		for _, code := range codes[start:end] {
			q.Add("conceptIds", code)
		}
		q.Set("limit", strconv.Itoa(end-start))
		var page conceptPage
		if err := c.get(ctx, "/"+branch+"/concepts", q, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			out[item.ConceptID] = item.concept()
		}
	}
	return out, nil
}

func (c *Client) HistoricalAssociations(ctx context.Context, branch, code string) ([]Association, error) {
	var concept browserConcept
	if err := c.get(ctx, "/browser/"+branch+"/concepts/"+url.PathEscape(code), nil, &concept); err != nil {
		return nil, err
	}
	var out []Association
	for _, t := range types.DefaultAssociationPreference() {
		for _, target := range concept.AssociationTargets[string(t)] {
			out = append(out, Association{Type: t, Target: target})
		}
	}
	return out, nil
}

func (c *Client) Ancestors(ctx context.Context, branch, code string) ([]string, error) {
	var parents []conceptItem
	if err := c.get(ctx, "/browser/"+branch+"/concepts/"+url.PathEscape(code)+"/parents", nil, &parents); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parents))
	for _, p := range parents {
		out = append(out, p.ConceptID)
	}
	return out, nil
}

var _ Server = (*Client)(nil)
