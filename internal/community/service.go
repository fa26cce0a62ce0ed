// Package community is the application face of the resilience core:
// posts, interactions, and follows composed out of rate limiting,
// retry, caching, and the offline queue. Writes that cannot reach the
// remote store are queued rather than failed, so the caller can show
// "saved, will sync" instead of an error.
package community

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"abide-backend/internal/apperrors"
	"abide-backend/internal/cache"
	"abide-backend/internal/clock"
	"abide-backend/internal/connectivity"
	"abide-backend/internal/observability"
	"abide-backend/internal/offline"
	"abide-backend/internal/ratelimit"
	"abide-backend/internal/remote"
	"abide-backend/internal/retry"
)

// Post is one community prayer or encouragement post.
type Post struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Interaction is a reaction on a post, such as "prayed" or "amen".
type Interaction struct {
	ID      string `json:"id"`
	PostID  string `json:"post_id"`
	OwnerID string `json:"owner_id"`
	Kind    string `json:"kind"`
}

// WriteResult reports how a write landed. Queued means the mutation is
// durable locally and will replay when the remote store is reachable.
type WriteResult struct {
	ID     string
	Queued bool
}

// Service composes the resilience core for community features.
type Service struct {
	store   remote.Store
	cache   *cache.Manager
	limits  *ratelimit.Registry
	queue   *offline.Queue
	monitor *connectivity.Monitor
	clk     clock.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
	policy  retry.Policy
}

// NewService wires the community service.
func NewService(store remote.Store, cacheManager *cache.Manager, limits *ratelimit.Registry, queue *offline.Queue, monitor *connectivity.Monitor, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   store,
		cache:   cacheManager,
		limits:  limits,
		queue:   queue,
		monitor: monitor,
		clk:     clk,
		logger:  logger,
		metrics: metrics,
		policy:  retry.DatabasePolicy(),
	}
}

// CreatePost publishes a post, or queues it when the remote store is
// unreachable. Rate limits apply before anything is written anywhere.
func (s *Service) CreatePost(ctx context.Context, ownerID, body string) (WriteResult, error) {
	if body == "" {
		return WriteResult{}, apperrors.Client("community.create_post", 400, errors.New("empty post body"))
	}
	record := remote.Record{
		"owner_id":   ownerID,
		"body":       body,
		"created_at": s.clk.Now().UTC().Format(time.RFC3339Nano),
	}
	return s.write(ctx, writeRequest{
		op:         "community.create_post",
		ownerID:    ownerID,
		category:   ratelimit.ClassCommunityPosts,
		cacheCat:   "community_posts",
		collection: "posts",
		record:     record,
	})
}

// AddInteraction records a reaction on a post.
func (s *Service) AddInteraction(ctx context.Context, ownerID, postID, kind string) (WriteResult, error) {
	record := remote.Record{
		"owner_id": ownerID,
		"post_id":  postID,
		"kind":     kind,
	}
	return s.write(ctx, writeRequest{
		op:         "community.add_interaction",
		ownerID:    ownerID,
		category:   ratelimit.ClassInteractions,
		cacheCat:   "community_posts",
		collection: "interactions",
		record:     record,
	})
}

// Follow subscribes ownerID to another user's posts.
func (s *Service) Follow(ctx context.Context, ownerID, followeeID string) (WriteResult, error) {
	if ownerID == followeeID {
		return WriteResult{}, apperrors.Client("community.follow", 400, errors.New("cannot follow yourself"))
	}
	record := remote.Record{
		"owner_id":    ownerID,
		"followee_id": followeeID,
	}
	return s.write(ctx, writeRequest{
		op:         "community.follow",
		ownerID:    ownerID,
		category:   ratelimit.ClassFollows,
		cacheCat:   "follows",
		collection: "follows",
		record:     record,
	})
}

type writeRequest struct {
	op         string
	ownerID    string
	category   string
	cacheCat   string
	collection string
	record     remote.Record
}

// write is the shared path: limit check, direct write with retry when
// online, queue on unreachability, cache cascade on success.
func (s *Service) write(ctx context.Context, req writeRequest) (WriteResult, error) {
	decision, err := s.limits.Check(ctx, req.category, req.ownerID)
	if err != nil {
		return WriteResult{}, err
	}
	if !decision.Allowed {
		return WriteResult{}, apperrors.RateLimited(req.op, decision.RetryAfter)
	}

	id := uuid.NewString()
	req.record["id"] = id

	if !s.monitor.Online() {
		return s.enqueue(ctx, req, id)
	}

	outcome := retry.Do(ctx, s.clk, s.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.Insert(ctx, req.collection, req.record)
	})
	s.metrics.RecordRetry(req.category, outcome.Attempts, outcome.OK())

	switch {
	case outcome.Err == nil, errors.Is(outcome.Err, remote.ErrDuplicate):
		if err := s.cache.CascadeInvalidate(ctx, req.cacheCat); err != nil {
			s.logger.Warn("cache cascade failed after write", zap.String("op", req.op), zap.Error(err))
		}
		return WriteResult{ID: id}, nil

	case apperrors.IsRetryable(outcome.Err):
		// The store is down or unreachable; hand off to the queue.
		return s.enqueue(ctx, req, id)

	default:
		return WriteResult{}, outcome.Err
	}
}

func (s *Service) enqueue(ctx context.Context, req writeRequest, id string) (WriteResult, error) {
	_, err := s.queue.Enqueue(ctx, offline.Item{
		ID:         id,
		OwnerID:    req.ownerID,
		Category:   req.category,
		Collection: req.collection,
		Op:         offline.OpInsert,
		Payload:    req.record,
	})
	if err != nil {
		return WriteResult{}, apperrors.Internal(req.op, fmt.Errorf("queueing offline write: %w", err))
	}
	return WriteResult{ID: id, Queued: true}, nil
}

// Feed returns the posts visible to userID, served from cache when
// fresh and fetched through retry on a miss.
func (s *Service) Feed(ctx context.Context, userID string) ([]Post, error) {
	key := "community_feed:user:" + userID
	return cache.GetOrSetAs(ctx, s.cache, key, "community_feed", func(ctx context.Context) ([]Post, error) {
		return s.fetchPosts(ctx, remote.Filter{})
	})
}

// UserPosts returns one user's own posts, cached per user.
func (s *Service) UserPosts(ctx context.Context, userID string) ([]Post, error) {
	key := "community_posts:user:" + userID
	return cache.GetOrSetAs(ctx, s.cache, key, "community_posts", func(ctx context.Context) ([]Post, error) {
		return s.fetchPosts(ctx, remote.Filter{"owner_id": userID})
	})
}

func (s *Service) fetchPosts(ctx context.Context, filter remote.Filter) ([]Post, error) {
	var rows []remote.Record
	outcome := retry.Do(ctx, s.clk, s.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.Select(ctx, "posts", filter, &rows)
	})
	if outcome.Err != nil {
		return nil, outcome.Err
	}

	posts := make([]Post, 0, len(rows))
	for _, row := range rows {
		posts = append(posts, postFromRecord(row))
	}
	return posts, nil
}

func postFromRecord(row remote.Record) Post {
	post := Post{}
	if id, ok := row["id"].(string); ok {
		post.ID = id
	}
	if owner, ok := row["owner_id"].(string); ok {
		post.OwnerID = owner
	}
	if body, ok := row["body"].(string); ok {
		post.Body = body
	}
	if raw, ok := row["created_at"].(string); ok {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			post.CreatedAt = at
		}
	}
	return post
}
