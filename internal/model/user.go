package model

import "time"

// User 表示系统用户。
//
// 登录标识是邮箱（没有用户名）。TelegramNik 在注册时填写，
// TelegramChatID 由 chatlink 解析器在收到入站消息后回填。
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`                       // 用户 ID
	Email     string    `gorm:"type:varchar(191);uniqueIndex" json:"email"` // 邮箱（唯一，登录标识）
	Password  string    `gorm:"not null" json:"-"`                          // bcrypt 哈希
	FirstName string    `gorm:"type:varchar(50)" json:"first_name"`         // 名
	LastName  string    `gorm:"type:varchar(50)" json:"last_name"`          // 姓
	Phone     string    `gorm:"type:varchar(20)" json:"phone"`              // 电话
	City      string    `gorm:"type:varchar(50)" json:"city"`               // 城市
	Avatar    string    `gorm:"type:varchar(255)" json:"avatar"`            // 头像 URL
	CreatedAt time.Time `json:"created_at"`                                 // 创建时间

	TelegramNik    string `gorm:"type:varchar(50);index" json:"telegram_nik"` // Telegram 用户名（注册时填写）
	TelegramChatID int64  `gorm:"default:0" json:"telegram_chat_id"`          // Telegram chat id（0 表示尚未绑定）

	VerifyCode       string     `gorm:"type:varchar(16)" json:"-"` // 邮箱验证码
	VerifyCodeSentAt *time.Time `json:"-"`                         // 验证码发送时间
	IsVerified       bool       `gorm:"default:false" json:"is_verified"`

	IsActive    bool `gorm:"default:true" json:"is_active"`     // 是否启用
	IsStaff     bool `gorm:"default:false" json:"is_staff"`     // 管理员（版主）
	IsSuperuser bool `gorm:"default:false" json:"is_superuser"` // 超级管理员

	Habits []Habit `gorm:"foreignKey:OwnerID" json:"-"`
}

// IsAdmin 返回用户是否具有管理员权限（staff 或 superuser）。
func (u *User) IsAdmin() bool {
	return u.IsStaff || u.IsSuperuser
}
