package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"habittracker/internal/model"
	"habittracker/internal/policy"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// updateUserRequest PATCH 语义的个人资料更新。
type updateUserRequest struct {
	Password    *string `json:"password"`
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	Phone       *string `json:"phone"`
	City        *string `json:"city"`
	Avatar      *string `json:"avatar"`
	TelegramNik *string `json:"telegram_nik"`
}

type userListResponse struct {
	Count   int64        `json:"count"`
	Results []model.User `json:"results"`
}

// handleListUsers 返回用户列表，仅管理员可见。
//
// GET /users?page=1&page_size=10
func (s *Server) handleListUsers(c *gin.Context) {
	if !policy.CanListUsers(requester(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	page, size := parsePage(c, s.cfg.App.UserPageSize)

	users, total, err := s.users.ListUsers(c.Request.Context(), page, size)
	if err != nil {
		s.logger.Error("list users failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list users failed"})
		return
	}

	c.JSON(http.StatusOK, userListResponse{Count: total, Results: users})
}

// handleGetUser 返回单个用户。
//
// GET /users/:id
func (s *Server) handleGetUser(c *gin.Context) {
	target, ok := s.loadUser(c)
	if !ok {
		return
	}
	if !policy.CanAccessUser(requester(c), target) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.JSON(http.StatusOK, target)
}

// handleUpdateUser 更新个人资料，仅限本人。
//
// PATCH /users/:id
func (s *Server) handleUpdateUser(c *gin.Context) {
	target, ok := s.loadUser(c)
	if !ok {
		return
	}
	if !policy.CanUpdateProfile(requester(c), target) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var req updateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.Password != nil {
		if len(*req.Password) < 6 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "password too short"})
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
			return
		}
		updates["password"] = string(hash)
	}
	if req.FirstName != nil {
		updates["first_name"] = strings.TrimSpace(*req.FirstName)
	}
	if req.LastName != nil {
		updates["last_name"] = strings.TrimSpace(*req.LastName)
	}
	if req.Phone != nil {
		updates["phone"] = strings.TrimSpace(*req.Phone)
	}
	if req.City != nil {
		updates["city"] = strings.TrimSpace(*req.City)
	}
	if req.Avatar != nil {
		updates["avatar"] = strings.TrimSpace(*req.Avatar)
	}
	if req.TelegramNik != nil {
		// 换绑 Telegram 账号后旧 chat id 作废，等待下一次入站消息重绑
		updates["telegram_nik"] = strings.TrimPrefix(strings.TrimSpace(*req.TelegramNik), "@")
		updates["telegram_chat_id"] = int64(0)
	}

	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no updates"})
		return
	}

	if err := s.users.UpdateUser(c.Request.Context(), target.ID, updates); err != nil {
		s.logger.Error("update user failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update user failed"})
		return
	}

	updated, err := s.users.GetUser(c.Request.Context(), target.ID)
	if err != nil {
		s.logger.Error("reload user failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update user failed"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleDeleteUser 删除用户及其习惯，本人或管理员。
//
// DELETE /users/:id
func (s *Server) handleDeleteUser(c *gin.Context) {
	target, ok := s.loadUser(c)
	if !ok {
		return
	}
	if !policy.CanAccessUser(requester(c), target) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	if err := s.users.DeleteUser(c.Request.Context(), target.ID); err != nil {
		s.logger.Error("delete user failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete user failed"})
		return
	}

	s.logger.Info("user deleted", slog.Uint64("user_id", uint64(target.ID)))
	c.Status(http.StatusNoContent)
}

// loadUser 解析路径 ID 并加载目标用户。
func (s *Server) loadUser(c *gin.Context) (*model.User, bool) {
	id, ok := parsePathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return nil, false
	}

	target, err := s.users.GetUser(c.Request.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return nil, false
	}
	if err != nil {
		s.logger.Error("load user failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load user failed"})
		return nil, false
	}
	return target, true
}
