package model

import (
	"fmt"
	"time"
)

// Habit 表示一条周期性习惯记录。
//
// Time 存储下一次应执行的完整时间点：提醒扫描只比较它的“时分秒”部分
// （按天的窗口匹配），日期部分用来体现 Periodicity 天数的顺延。
// RelatedHabit 是指向“愉快习惯”的弱自引用，系统不做环检测。
type Habit struct {
	ID        uint      `gorm:"primaryKey" json:"id"` // 习惯唯一标识
	CreatedAt time.Time `json:"created_at"`           // 创建时间
	UpdatedAt time.Time `json:"updated_at"`           // 更新时间

	OwnerID uint  `gorm:"not null;index" json:"owner_id"` // 所属用户 ID
	Owner   *User `gorm:"foreignKey:OwnerID" json:"-"`    // 所属用户

	Place  string    `gorm:"type:varchar(200);not null" json:"place"`  // 执行地点
	Time   time.Time `gorm:"not null;index" json:"time"`               // 下次执行时间
	Action string    `gorm:"type:varchar(300);not null" json:"action"` // 习惯内容

	IsPleasant     bool   `gorm:"default:false" json:"is_pleasant_habit"` // 愉快习惯标记
	RelatedHabitID *uint  `json:"related_habit"`                          // 关联的愉快习惯 ID（可空）
	RelatedHabit   *Habit `gorm:"foreignKey:RelatedHabitID" json:"-"`

	Periodicity    int    `gorm:"default:1" json:"periodicity"`         // 执行周期（天，1-7）
	Reward         string `gorm:"type:varchar(100)" json:"reward"`      // 奖励（可空）
	TimeToComplete int    `gorm:"not null" json:"time_to_complete"`     // 执行时长（分钟，1-120）
	IsPublic       bool   `gorm:"default:false;index" json:"is_public"` // 是否公开
}

// String 返回习惯的可读描述。
func (h *Habit) String() string {
	return fmt.Sprintf("I will %s at %s in %s", h.Action, h.Time.Format("15:04"), h.Place)
}
