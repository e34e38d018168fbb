package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/itemchat-server/internal/cache"
	"github.com/vovakirdan/itemchat-server/internal/core"
	"github.com/vovakirdan/itemchat-server/internal/store"
)

// Summary is one row of a user's conversation list.
type Summary struct {
	ConversationID  int64     `json:"conversation_id"`
	ItemID          int64     `json:"item_id"`
	ItemTitle       string    `json:"item_title"`
	CounterpartID   int64     `json:"counterpart_id"`
	CounterpartName string    `json:"counterpart_name"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Service builds per-user conversation lists, most recently active first.
// Results are cached under a per-user version that Invalidate bumps.
type Service struct {
	store store.Store
	cache cache.Cache
	ttl   time.Duration
	log   *zerolog.Logger
}

// New creates a projector. A nil cache disables caching.
func New(st store.Store, c cache.Cache, ttl time.Duration, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{
		store: st,
		cache: c,
		ttl:   ttl,
		log:   logger,
	}
}

func versionKey(userID int64) string {
	return "convlist:" + strconv.FormatInt(userID, 10) + ":ver"
}

func listKey(userID int64, version string) string {
	return "convlist:" + strconv.FormatInt(userID, 10) + ":v" + version
}

// ListForUser returns the conversations the user takes part in.
func (s *Service) ListForUser(ctx context.Context, userID int64) ([]Summary, error) {
	version, cached := s.lookup(ctx, userID)
	if cached != nil {
		return cached, nil
	}

	summaries, err := s.compute(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && version != "" {
		if payload, err := json.Marshal(summaries); err == nil {
			if err := s.cache.Set(ctx, listKey(userID, version), string(payload), s.ttl); err != nil {
				s.log.Warn().Err(err).Int64("user_id", userID).Msg("conversation list cache fill failed")
			}
		}
	}
	return summaries, nil
}

// lookup returns the current cache version and the cached list if present.
// An empty version means the cache is unusable for this read.
func (s *Service) lookup(ctx context.Context, userID int64) (string, []Summary) {
	if s.cache == nil {
		return "", nil
	}

	version, err := s.cache.Get(ctx, versionKey(userID))
	switch {
	case errors.Is(err, cache.ErrMiss):
		version = "0"
	case err != nil:
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("conversation list cache unavailable")
		return "", nil
	}

	payload, err := s.cache.Get(ctx, listKey(userID, version))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn().Err(err).Int64("user_id", userID).Msg("conversation list cache read failed")
		}
		return version, nil
	}

	var summaries []Summary
	if err := json.Unmarshal([]byte(payload), &summaries); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("discarding corrupt conversation list cache entry")
		return version, nil
	}
	if summaries == nil {
		summaries = []Summary{}
	}
	return version, summaries
}

func (s *Service) compute(ctx context.Context, userID int64) ([]Summary, error) {
	convs, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, storeError(err, "list conversations")
	}

	titles := make(map[int64]string)
	names := make(map[int64]string)
	summaries := make([]Summary, 0, len(convs))

	for _, c := range convs {
		title, ok := titles[c.ItemID]
		if !ok {
			item, err := s.store.GetItemByID(ctx, c.ItemID)
			if err != nil {
				return nil, storeError(err, fmt.Sprintf("get item %d", c.ItemID))
			}
			title = item.Title
			titles[c.ItemID] = title
		}

		counterpart := c.Counterpart(userID)
		name, ok := names[counterpart]
		if !ok {
			user, err := s.store.GetUserByID(ctx, counterpart)
			if err != nil {
				return nil, storeError(err, fmt.Sprintf("get user %d", counterpart))
			}
			name = lo.Ternary(user.DisplayName != "", user.DisplayName, user.Username)
			names[counterpart] = name
		}

		summaries = append(summaries, Summary{
			ConversationID:  c.ID,
			ItemID:          c.ItemID,
			ItemTitle:       title,
			CounterpartID:   counterpart,
			CounterpartName: name,
			UpdatedAt:       c.UpdatedAt,
		})
	}

	slices.SortFunc(summaries, func(a, b Summary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		switch {
		case a.ConversationID > b.ConversationID:
			return -1
		case a.ConversationID < b.ConversationID:
			return 1
		}
		return 0
	})
	return summaries, nil
}

// Invalidate drops cached lists for the given users. Failures are logged;
// the next read for an unreachable cache recomputes anyway.
func (s *Service) Invalidate(ctx context.Context, userIDs ...int64) {
	if s.cache == nil {
		return
	}
	for _, userID := range lo.Uniq(userIDs) {
		version, err := s.cache.Incr(ctx, versionKey(userID))
		if err != nil {
			s.log.Warn().Err(err).Int64("user_id", userID).Msg("conversation list invalidation failed")
			continue
		}
		stale := listKey(userID, strconv.FormatInt(version-1, 10))
		if _, err := s.cache.Del(ctx, stale); err != nil {
			s.log.Debug().Err(err).Int64("user_id", userID).Msg("stale conversation list not removed")
		}
	}
}

// storeError marks a failed store read as unavailable unless the caller gave up.
func storeError(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", core.ErrUnavailable, op, err)
}
