package policy

import "habittracker/internal/model"

// 访问控制谓词，集中在一个入口，按资源类型收敛。
// 只做纯判断，不做 I/O；未知情况一律拒绝。

// CanCreateHabit 任何已认证用户都可以创建习惯（归属自动指向请求者）。
func CanCreateHabit(requester *model.User) bool {
	return requester != nil
}

// CanAccessHabit 读取/更新/删除习惯：所有者或管理员。
func CanAccessHabit(requester *model.User, h *model.Habit) bool {
	if requester == nil || h == nil {
		return false
	}
	return requester.ID == h.OwnerID || requester.IsAdmin()
}

// CanListAllHabits 查看全量习惯列表：仅超级管理员，其余用户只能看到自己的。
func CanListAllHabits(requester *model.User) bool {
	return requester != nil && requester.IsSuperuser
}

// CanListUsers 用户列表：仅管理员。
func CanListUsers(requester *model.User) bool {
	return requester != nil && requester.IsAdmin()
}

// CanAccessUser 读取/删除用户：本人或管理员。
func CanAccessUser(requester *model.User, target *model.User) bool {
	if requester == nil || target == nil {
		return false
	}
	return requester.ID == target.ID || requester.IsAdmin()
}

// CanUpdateProfile 更新个人资料：仅限本人，管理员也不能代改。
func CanUpdateProfile(requester *model.User, target *model.User) bool {
	if requester == nil || target == nil {
		return false
	}
	return requester.ID == target.ID
}
