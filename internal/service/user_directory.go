package service

import (
	"context"
	"errors"

	"carechat/internal/model"
	"carechat/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserDirectory is the chat module's view of the identity domain.
type UserDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
	RoleOf(ctx context.Context, id string) (string, error)
	SummaryOf(ctx context.Context, id string) (*model.UserSummary, error)
	SummariesOf(ctx context.Context, ids []string) (map[string]*model.UserSummary, error)
}

type userDirectory struct {
	userRepo repository.UserRepository
}

func NewUserDirectory(userRepo repository.UserRepository) UserDirectory {
	return &userDirectory{userRepo: userRepo}
}

func (d *userDirectory) Exists(ctx context.Context, id string) (bool, error) {
	_, err := d.SummaryOf(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *userDirectory) RoleOf(ctx context.Context, id string) (string, error) {
	summary, err := d.SummaryOf(ctx, id)
	if err != nil {
		return "", err
	}
	return summary.Role, nil
}

func (d *userDirectory) SummaryOf(ctx context.Context, id string) (*model.UserSummary, error) {
	if !validID(id) {
		return nil, newError(KindNotFound, "user not found")
	}
	summary, err := d.userRepo.FindSummary(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(KindNotFound, "user not found")
	}
	if err != nil {
		return nil, internalError("failed to load user", err)
	}
	return summary, nil
}

func (d *userDirectory) SummariesOf(ctx context.Context, ids []string) (map[string]*model.UserSummary, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if validID(id) {
			valid = append(valid, id)
		}
	}
	summaries, err := d.userRepo.FindSummaries(ctx, valid)
	if err != nil {
		return nil, internalError("failed to load users", err)
	}
	return summaries, nil
}

// validID reports whether id has the UUID shape used by every table. Other
// strings can never match a row and would be rejected by postgres uuid
// columns with a driver error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
