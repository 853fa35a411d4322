package streaming

import (
	"context"
	"testing"

	"github.com/onnwee/raid-tender/ratelimit"
	"github.com/onnwee/raid-tender/testutil"
)

func newTestClient(t *testing.T) (*Client, *testutil.MockSpotifyServer) {
	t.Helper()
	mock := testutil.NewMockSpotifyServer(t)
	c := New(context.Background(), "client-id", "client-secret", mock.URL, mock.URL+"/api/token")
	return c, mock
}

func TestParseTrackID(t *testing.T) {
	const id = "4uLU6hMCjMI75M1A2tKUQC"
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare id", id, id, false},
		{"share url", "https://open.spotify.com/track/" + id, id, false},
		{"share url with query", "https://open.spotify.com/track/" + id + "?si=abc123", id, false},
		{"localized url", "https://open.spotify.com/intl-de/track/" + id, id, false},
		{"uri", "spotify:track:" + id, id, false},
		{"surrounding space", "  " + id + "  ", id, false},
		{"empty", "", "", true},
		{"wrong length", "abc123", "", true},
		{"album url", "https://open.spotify.com/album/" + id, "", true},
		{"illegal chars", "4uLU6hMCjMI75M1A2tKUQ!", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTrackID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("id = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetTrack(t *testing.T) {
	c, mock := newTestClient(t)
	mock.AddTrack("4uLU6hMCjMI75M1A2tKUQC", "Never Gonna Give You Up", "Rick Astley")

	tr, err := c.GetTrack(context.Background(), "4uLU6hMCjMI75M1A2tKUQC")
	if err != nil {
		t.Fatalf("GetTrack: %v", err)
	}
	if tr.Title != "Never Gonna Give You Up" {
		t.Errorf("Title = %q", tr.Title)
	}
	if tr.Artist() != "Rick Astley" {
		t.Errorf("Artist = %q", tr.Artist())
	}
	if tr.URL != "https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC" {
		t.Errorf("URL = %q", tr.URL)
	}
}

func TestGetTrackJoinsArtists(t *testing.T) {
	c, mock := newTestClient(t)
	mock.AddTrack("track0000000000000000a", "Duet", "First", "Second")

	tr, err := c.GetTrack(context.Background(), "track0000000000000000a")
	if err != nil {
		t.Fatalf("GetTrack: %v", err)
	}
	if tr.Artist() != "First, Second" {
		t.Errorf("Artist = %q, want joined names", tr.Artist())
	}
}

func TestGetTrackNotFound(t *testing.T) {
	c, _ := newTestClient(t)
	if _, err := c.GetTrack(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown track")
	}
}

func TestGetTrackRateLimited(t *testing.T) {
	c, mock := newTestClient(t)
	mock.AddTrack("4uLU6hMCjMI75M1A2tKUQC", "Song", "Band")
	c.Limiter = ratelimit.New(ratelimit.Config{MaxRequests: 100})
	c.MaxRetries = 1

	for i := 0; i < 3; i++ {
		if _, err := c.GetTrack(context.Background(), "4uLU6hMCjMI75M1A2tKUQC"); err != nil {
			t.Fatalf("GetTrack %d: %v", i, err)
		}
	}
}
