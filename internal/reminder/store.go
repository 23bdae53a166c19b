package reminder

import (
	"context"
	"errors"
	"time"

	"habittracker/internal/model"

	"gorm.io/gorm"
)

// ErrUserNotFound 表示没有匹配 telegram 用户名的账号。
var ErrUserNotFound = errors.New("user not found")

// Store 定义提醒周期需要的持久化操作。
type Store interface {
	// DueHabits 查询时刻落在窗口内的习惯（含 Owner）。
	DueHabits(ctx context.Context, start, end string, wraps bool) ([]model.Habit, error)
	// AdvanceHabit 把习惯的下次执行时间写回数据库（仅更新 time 列）。
	AdvanceHabit(ctx context.Context, habitID uint, next time.Time) error
	// FindUserByTelegramNik 按 telegram 用户名查找用户。
	FindUserByTelegramNik(ctx context.Context, nik string) (*model.User, error)
	// BindChatID 覆盖写用户的 telegram chat id。
	BindChatID(ctx context.Context, userID uint, chatID int64) error
}

// GormStore 是 Store 的 gorm/MySQL 实现。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建数据库存取层。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DueHabits(ctx context.Context, start, end string, wraps bool) ([]model.Habit, error) {
	var habits []model.Habit
	query := s.db.WithContext(ctx).Model(&model.Habit{}).Preload("Owner")
	if wraps {
		query = query.Where("TIME(`time`) >= ? OR TIME(`time`) <= ?", start, end)
	} else {
		query = query.Where("TIME(`time`) BETWEEN ? AND ?", start, end)
	}
	if err := query.Find(&habits).Error; err != nil {
		return nil, err
	}
	return habits, nil
}

func (s *GormStore) AdvanceHabit(ctx context.Context, habitID uint, next time.Time) error {
	return s.db.WithContext(ctx).
		Model(&model.Habit{}).
		Where("id = ?", habitID).
		Update("time", next).Error
}

func (s *GormStore) FindUserByTelegramNik(ctx context.Context, nik string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).Where("telegram_nik = ?", nik).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *GormStore) BindChatID(ctx context.Context, userID uint, chatID int64) error {
	return s.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Update("telegram_chat_id", chatID).Error
}
