package anidb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// episodeServer knows anime 42 with 3 episodes, of which AniDB lists only 1 and 3
func episodeServer(name string, p Params) []string {
	switch name {
	case "ANIME":
		if p["aid"] == "42" || p["aname"] == "Show 42" {
			return reply(p, animeLine(42, 3))
		}
		return reply(p, "330 NO SUCH ANIME")
	case "EPISODE":
		if p["epno"] == "2" {
			return reply(p, "340 NO SUCH EPISODE")
		}
		return reply(p, fmt.Sprintf("240 EPISODE\n%s0|42|24|0|0|%s|Episode %s|||0|1", p["epno"], p["epno"], p["epno"]))
	}
	return nil
}

func newTestService(t *testing.T) (*Service, *MemoryTransport) {
	t.Helper()
	client, transport := newTestClient(t, fakeServer(episodeServer), testOptions())
	return NewService(client, testCreds, time.Hour, testLogger()), transport
}

func TestServiceLogsInOnDemand(t *testing.T) {
	service, transport := newTestService(t)

	anime, err := service.AnimeByID(context.Background(), 42)
	if err != nil {
		t.Fatalf("AnimeByID failed: %v", err)
	}
	if anime.PrimaryTitle != "Show 42" {
		t.Errorf("Expected title 'Show 42', got %q", anime.PrimaryTitle)
	}
	if n := transport.SentCount("AUTH"); n != 1 {
		t.Errorf("Expected one login, got %d", n)
	}
	if !service.Session().Active() {
		t.Error("Expected an active session after the lookup")
	}
}

func TestServiceCachesAnime(t *testing.T) {
	service, transport := newTestService(t)

	for i := 0; i < 3; i++ {
		if _, err := service.AnimeByID(context.Background(), 42); err != nil {
			t.Fatalf("AnimeByID failed: %v", err)
		}
	}
	if _, err := service.AnimeByName(context.Background(), "Show 42"); err != nil {
		t.Fatalf("AnimeByName failed: %v", err)
	}

	if n := transport.SentCount("ANIME"); n != 2 {
		t.Errorf("Expected 2 ANIME datagrams (one per lookup key), got %d", n)
	}
}

func TestServiceAnimeNotFound(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.AnimeByName(context.Background(), "Nothing Like This")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestServiceEpisodesSkipsUnlisted(t *testing.T) {
	service, _ := newTestService(t)

	anime, err := service.AnimeByID(context.Background(), 42)
	if err != nil {
		t.Fatalf("AnimeByID failed: %v", err)
	}
	episodes, err := service.Episodes(context.Background(), anime)
	if err != nil {
		t.Fatalf("Episodes failed: %v", err)
	}

	if len(episodes) != 2 {
		t.Fatalf("Expected 2 episodes, got %d", len(episodes))
	}
	if episodes[0].Number.Index != 1 || episodes[1].Number.Index != 3 {
		t.Errorf("Expected episodes 1 and 3 in order, got %v and %v", episodes[0].Number, episodes[1].Number)
	}
	if episodes[1].Title != "Episode 3" {
		t.Errorf("Expected title 'Episode 3', got %q", episodes[1].Title)
	}
}

func TestServiceDoesNotReloginWithoutCredentials(t *testing.T) {
	client, transport := newTestClient(t, fakeServer(episodeServer), testOptions())
	service := NewService(client, Credentials{}, time.Hour, testLogger())

	_, err := service.AnimeByID(context.Background(), 42)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}
	if len(transport.Sent()) != 0 {
		t.Errorf("Expected no datagrams, got %d", len(transport.Sent()))
	}
}
