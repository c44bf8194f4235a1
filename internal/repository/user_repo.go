package repository

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"carechat/internal/model"
	"carechat/internal/util"

	"gorm.io/gorm"
)

// UserRepository reads identity records. Summaries are cached in Redis
// when a client is configured.
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindSummary(ctx context.Context, id string) (*model.UserSummary, error)
	FindSummaries(ctx context.Context, ids []string) (map[string]*model.UserSummary, error)
	InvalidateSummary(ctx context.Context, id string) error
}

type userRepository struct {
	db    *gorm.DB
	redis *util.RedisClient
}

const (
	userSummaryCachePrefix = "user:summary:"
	cacheExpiration        = 30 * time.Minute
)

func NewUserRepository(db *gorm.DB, redis *util.RedisClient) UserRepository {
	return &userRepository{
		db:    db,
		redis: redis,
	}
}

func getSummaryCacheKey(id string) string {
	return userSummaryCachePrefix + id
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *userRepository) FindByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindSummary returns the display summary of a user, checking cache first.
// A missing user yields gorm.ErrRecordNotFound.
func (r *userRepository) FindSummary(ctx context.Context, id string) (*model.UserSummary, error) {
	if r.redis != nil {
		var cached model.UserSummary
		if err := r.redis.GetJSON(ctx, getSummaryCacheKey(id), &cached); err == nil && cached.ID != "" {
			return &cached, nil
		}
	}

	user, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	summary := user.Summary()
	r.cacheSummary(ctx, summary)
	return summary, nil
}

// FindSummaries resolves many users at once. Unknown ids are absent from
// the result.
func (r *userRepository) FindSummaries(ctx context.Context, ids []string) (map[string]*model.UserSummary, error) {
	result := make(map[string]*model.UserSummary, len(ids))
	missing := uniqueIDs(ids)

	if r.redis != nil && len(missing) > 0 {
		keys := make([]string, len(missing))
		for i, id := range missing {
			keys[i] = getSummaryCacheKey(id)
		}
		err := r.redis.MGetJSON(ctx, keys, func(_ string, raw []byte) error {
			var s model.UserSummary
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			if s.ID != "" {
				result[s.ID] = &s
			}
			return nil
		})
		if err != nil {
			log.Printf("Warning: user summary cache read failed: %v", err)
		}

		remaining := missing[:0]
		for _, id := range missing {
			if _, ok := result[id]; !ok {
				remaining = append(remaining, id)
			}
		}
		missing = remaining
	}

	if len(missing) == 0 {
		return result, nil
	}

	var users []model.User
	if err := r.db.WithContext(ctx).Where("id IN ?", missing).Find(&users).Error; err != nil {
		return nil, err
	}
	for i := range users {
		summary := users[i].Summary()
		result[summary.ID] = summary
		r.cacheSummary(ctx, summary)
	}
	return result, nil
}

func (r *userRepository) InvalidateSummary(ctx context.Context, id string) error {
	if r.redis == nil {
		return nil
	}
	return r.redis.Delete(ctx, getSummaryCacheKey(id))
}

func (r *userRepository) cacheSummary(ctx context.Context, summary *model.UserSummary) {
	if r.redis == nil {
		return
	}
	if err := r.redis.Set(ctx, getSummaryCacheKey(summary.ID), summary, cacheExpiration); err != nil {
		log.Printf("Warning: failed to cache user summary %s: %v", summary.ID, err)
	}
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
