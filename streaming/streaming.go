// Package streaming fetches track metadata from the streaming service used
// to decorate raids with human-readable titles. Results only ever feed
// display overlays; nothing here is authoritative.
package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/raid-tender/ratelimit"
)

const (
	defaultAPIURL   = "https://api.spotify.com"
	defaultTokenURL = "https://accounts.spotify.com/api/token"
)

// Track is the subset of track metadata the overlay needs.
type Track struct {
	ID      string
	Title   string
	Artists []string
	URL     string
}

// Artist joins the artist names for display.
func (t Track) Artist() string {
	return strings.Join(t.Artists, ", ")
}

// Client calls the streaming service with app (client-credentials) auth.
// When Limiter is set, every request passes through it under a shared key.
type Client struct {
	APIURL     string
	HTTP       *http.Client
	Limiter    *ratelimit.Accessor
	MaxRetries int
}

// New builds a client with client-credentials token handling. apiURL and
// tokenURL override the service endpoints; empty strings use production.
func New(ctx context.Context, clientID, clientSecret, apiURL, tokenURL string) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	hc := cc.Client(ctx)
	hc.Timeout = 15 * time.Second
	return &Client{APIURL: strings.TrimRight(apiURL, "/"), HTTP: hc}
}

var trackIDRe = regexp.MustCompile(`^[A-Za-z0-9]{22}$`)

// ParseTrackID extracts a track id from a share URL
// (https://open.spotify.com/track/{id}?...), a URI (spotify:track:{id}),
// or a bare id.
func ParseTrackID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("empty track reference")
	}
	if rest, ok := strings.CutPrefix(input, "spotify:track:"); ok {
		input = rest
	} else if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err != nil {
			return "", fmt.Errorf("parse track url: %w", err)
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) < 2 || parts[len(parts)-2] != "track" {
			return "", fmt.Errorf("not a track url: %s", input)
		}
		input = parts[len(parts)-1]
	}
	if !trackIDRe.MatchString(input) {
		return "", fmt.Errorf("invalid track id %q", input)
	}
	return input, nil
}

// GetTrack fetches track metadata by id.
func (c *Client) GetTrack(ctx context.Context, id string) (Track, error) {
	if c.Limiter == nil {
		return c.getTrack(ctx, id)
	}
	retries := c.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return ratelimit.Call(ctx, c.Limiter, ratelimit.GlobalKey("spotify.track"), retries,
		func(ctx context.Context) (Track, error) {
			return c.getTrack(ctx, id)
		})
}

func (c *Client) getTrack(ctx context.Context, id string) (Track, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIURL+"/v1/tracks/"+url.PathEscape(id), nil)
	if err != nil {
		return Track{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Track{}, fmt.Errorf("fetch track %s: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		var retryAfter time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
		return Track{}, ratelimit.Throttled(retryAfter)
	}
	if resp.StatusCode == http.StatusNotFound {
		return Track{}, fmt.Errorf("track %s not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		return Track{}, fmt.Errorf("track %s: http %d", id, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Track{}, fmt.Errorf("read track %s: %w", id, err)
	}
	doc := gjson.ParseBytes(body)
	tr := Track{
		ID:    doc.Get("id").String(),
		Title: doc.Get("name").String(),
		URL:   doc.Get("external_urls.spotify").String(),
	}
	doc.Get("artists.#.name").ForEach(func(_, v gjson.Result) bool {
		tr.Artists = append(tr.Artists, v.String())
		return true
	})
	if tr.ID == "" {
		tr.ID = id
	}
	if tr.URL == "" {
		tr.URL = "https://open.spotify.com/track/" + tr.ID
	}
	if tr.Title == "" {
		return Track{}, fmt.Errorf("track %s: response missing name", id)
	}
	return tr, nil
}
