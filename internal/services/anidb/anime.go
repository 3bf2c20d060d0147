package anidb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amaumene/anidbarr/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const episodeFetchConcurrency = 4

// Service answers metadata lookups through the protocol client. AniDB asks
// clients not to repeat identical requests, so every answer is cached.
type Service struct {
	client *Client
	creds  Credentials
	cache  *cache.Cache
	logger *logrus.Logger
}

// NewService creates a new metadata service
func NewService(client *Client, creds Credentials, ttl time.Duration, logger *logrus.Logger) *Service {
	return &Service{
		client: client,
		creds:  creds,
		cache:  cache.New(ttl, ttl*2),
		logger: logger,
	}
}

// AnimeByID fetches an anime by its AniDB id
func (s *Service) AnimeByID(ctx context.Context, animeID int) (models.AnimeRecord, error) {
	key := "anime:" + strconv.Itoa(animeID)
	if cached, ok := s.cache.Get(key); ok {
		return cached.(models.AnimeRecord), nil
	}

	resp, err := s.do(ctx, AnimeByIDCommand(animeID))
	if err != nil {
		return models.AnimeRecord{}, fmt.Errorf("failed to fetch anime %d: %w", animeID, err)
	}
	anime, err := DecodeAnime(resp)
	if err != nil {
		return models.AnimeRecord{}, err
	}

	s.cache.SetDefault(key, anime)
	return anime, nil
}

// AnimeByName fetches an anime by one of its exact titles
func (s *Service) AnimeByName(ctx context.Context, title string) (models.AnimeRecord, error) {
	nameKey := "name:" + strings.ToLower(title)
	if cached, ok := s.cache.Get(nameKey); ok {
		return cached.(models.AnimeRecord), nil
	}

	resp, err := s.do(ctx, AnimeByNameCommand(title))
	if err != nil {
		return models.AnimeRecord{}, fmt.Errorf("failed to fetch anime %q: %w", title, err)
	}
	anime, err := DecodeAnime(resp)
	if err != nil {
		return models.AnimeRecord{}, err
	}

	s.cache.SetDefault(nameKey, anime)
	s.cache.SetDefault("anime:"+strconv.Itoa(anime.AnimeID), anime)
	return anime, nil
}

// Episodes fetches the regular episodes of anime, ordered by number. When the
// total is unknown it fetches up to the highest episode AniDB has listed.
// Numbers AniDB has no entry for are skipped.
func (s *Service) Episodes(ctx context.Context, anime models.AnimeRecord) ([]models.EpisodeRecord, error) {
	count := anime.HighestEpisode
	if anime.TotalKnown() {
		count = *anime.EpisodeCountTotal
	}
	if count <= 0 {
		return nil, nil
	}

	listKey := fmt.Sprintf("episodes:%d:%d", anime.AnimeID, count)
	if cached, ok := s.cache.Get(listKey); ok {
		return cached.([]models.EpisodeRecord), nil
	}

	var (
		mu       sync.Mutex
		episodes = make([]models.EpisodeRecord, 0, count)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(episodeFetchConcurrency)

	for i := 1; i <= count; i++ {
		number := models.EpisodeNumber{Season: 1, Index: i}
		g.Go(func() error {
			ep, err := s.episode(gctx, anime.AnimeID, number)
			if errors.Is(err, ErrNotFound) {
				s.logger.WithFields(logrus.Fields{
					"anidb_id": anime.AnimeID,
					"episode":  number.Index,
				}).Debug("Episode not listed on AniDB")
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			episodes = append(episodes, ep)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to fetch episodes of anime %d: %w", anime.AnimeID, err)
	}

	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].Number.Less(episodes[j].Number)
	})
	s.cache.SetDefault(listKey, episodes)
	return episodes, nil
}

func (s *Service) episode(ctx context.Context, animeID int, number models.EpisodeNumber) (models.EpisodeRecord, error) {
	key := fmt.Sprintf("episode:%d:%s", animeID, formatEpno(number))
	if cached, ok := s.cache.Get(key); ok {
		return cached.(models.EpisodeRecord), nil
	}

	resp, err := s.do(ctx, EpisodeCommand(animeID, number))
	if err != nil {
		return models.EpisodeRecord{}, err
	}
	ep, err := DecodeEpisode(resp)
	if err != nil {
		return models.EpisodeRecord{}, err
	}

	s.cache.SetDefault(key, ep)
	return ep, nil
}

// do sends cmd, logging in once first when the session is missing or was lost.
// Bans are never retried here.
func (s *Service) do(ctx context.Context, cmd Command) (*Response, error) {
	resp, err := s.client.Request(ctx, cmd)
	if err == nil || !s.canRelogin(err) {
		return resp, err
	}

	s.logger.WithError(err).Info("AniDB session unavailable, logging in")
	if _, lerr := s.client.Login(ctx, s.creds); lerr != nil {
		return nil, fmt.Errorf("failed to log in: %w", lerr)
	}
	return s.client.Request(ctx, cmd)
}

func (s *Service) canRelogin(err error) bool {
	if s.creds.Username == "" || s.creds.Password == "" {
		return false
	}
	return errors.Is(err, ErrSessionLost) || errors.Is(err, ErrNotAuthenticated)
}

// Login opens the session with the configured credentials
func (s *Service) Login(ctx context.Context) (Session, error) {
	return s.client.Login(ctx, s.creds)
}

// Logout closes the session
func (s *Service) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

// Session returns the client's current session
func (s *Service) Session() Session {
	return s.client.Session()
}
