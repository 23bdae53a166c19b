package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"habittracker/internal/habit"
	"habittracker/internal/model"
	"habittracker/internal/policy"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// createHabitRequest 创建习惯的请求参数。
type createHabitRequest struct {
	Action         string `json:"action" binding:"required"`
	Place          string `json:"place" binding:"required"`
	Time           string `json:"time" binding:"required"`
	IsPleasant     bool   `json:"is_pleasant_habit"`
	RelatedHabitID *uint  `json:"related_habit"`
	Periodicity    int    `json:"periodicity"`
	Reward         string `json:"reward"`
	TimeToComplete int    `json:"time_to_complete"`
	IsPublic       bool   `json:"is_public"`
}

// updateHabitRequest PATCH 语义，缺省字段保持原值。
//
// reward 和 related_habit 传显式 null 表示清除；指针本身区分
// 不了 null 和缺省，所以 handler 里额外比对原始 JSON。
type updateHabitRequest struct {
	Action         *string `json:"action"`
	Place          *string `json:"place"`
	Time           *string `json:"time"`
	IsPleasant     *bool   `json:"is_pleasant_habit"`
	RelatedHabitID *uint   `json:"related_habit"`
	Periodicity    *int    `json:"periodicity"`
	Reward         *string `json:"reward"`
	TimeToComplete *int    `json:"time_to_complete"`
	IsPublic       *bool   `json:"is_public"`
}

type habitListResponse struct {
	Count   int64         `json:"count"`
	Results []model.Habit `json:"results"`
}

// relatedLookup 通过习惯存储解析被引用习惯的愉快标记。
func (s *Server) relatedLookup(c *gin.Context) habit.RelatedLookup {
	return func(id uint) (bool, bool, error) {
		h, err := s.habits.GetHabit(c.Request.Context(), id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, false, nil
		}
		if err != nil {
			return false, false, err
		}
		return h.IsPleasant, true, nil
	}
}

// handleCreateHabit 处理创建习惯的请求。
//
// POST /habits
func (s *Server) handleCreateHabit(c *gin.Context) {
	var req createHabitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user := requester(c)
	if !policy.CanCreateHabit(user) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	when, err := parseHabitTime(req.Time)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid time"})
		return
	}
	if req.Periodicity == 0 {
		req.Periodicity = 1
	}

	payload := habit.Payload{
		Action:         req.Action,
		Place:          req.Place,
		IsPleasant:     req.IsPleasant,
		RelatedHabitID: req.RelatedHabitID,
		Reward:         req.Reward,
		Periodicity:    req.Periodicity,
		TimeToComplete: req.TimeToComplete,
	}
	if err := s.validateHabit(c, payload); err != nil {
		return
	}

	h := model.Habit{
		OwnerID:        user.ID,
		Action:         req.Action,
		Place:          req.Place,
		Time:           when,
		IsPleasant:     req.IsPleasant,
		RelatedHabitID: req.RelatedHabitID,
		Periodicity:    req.Periodicity,
		Reward:         req.Reward,
		TimeToComplete: req.TimeToComplete,
		IsPublic:       req.IsPublic,
	}
	if err := s.habits.CreateHabit(c.Request.Context(), &h); err != nil {
		s.logger.Error("create habit failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create habit failed"})
		return
	}

	c.JSON(http.StatusCreated, h)
}

// handleListHabits 返回请求者自己的习惯；超级管理员可见全量。
//
// GET /habits?page=1&page_size=5
func (s *Server) handleListHabits(c *gin.Context) {
	user := requester(c)
	page, size := parsePage(c, s.cfg.App.HabitPageSize)

	all := policy.CanListAllHabits(user)
	habits, total, err := s.habits.ListHabits(c.Request.Context(), user.ID, all, page, size)
	if err != nil {
		s.logger.Error("list habits failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list habits failed"})
		return
	}

	c.JSON(http.StatusOK, habitListResponse{Count: total, Results: habits})
}

// handleListPublicHabits 返回公开习惯列表，无需认证。
//
// 结果在 Redis 中缓存一小段时间。
func (s *Server) handleListPublicHabits(c *gin.Context) {
	page, size := parsePage(c, s.cfg.App.HabitPageSize)

	cacheKey := fmt.Sprintf("habittracker:public_habits:p%d:s%d", page, size)
	if s.rdb != nil {
		if raw, err := s.rdb.Get(c.Request.Context(), cacheKey).Result(); err == nil && raw != "" {
			var cached habitListResponse
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				c.JSON(http.StatusOK, cached)
				return
			}
		}
	}

	habits, total, err := s.habits.ListPublicHabits(c.Request.Context(), page, size)
	if err != nil {
		s.logger.Error("list public habits failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list habits failed"})
		return
	}

	resp := habitListResponse{Count: total, Results: habits}
	if s.rdb != nil && s.cfg.App.PublicCacheTTL > 0 {
		if raw, err := json.Marshal(resp); err == nil {
			if err := s.rdb.Set(c.Request.Context(), cacheKey, raw, s.cfg.App.PublicCacheTTL).Err(); err != nil {
				s.logger.Warn("cache public habits failed", slog.String("error", err.Error()))
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handleGetHabit 返回单条习惯。
//
// GET /habits/:id
func (s *Server) handleGetHabit(c *gin.Context) {
	h, ok := s.loadHabit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h)
}

// handleUpdateHabit 部分更新习惯，合并后的字段集整体重新校验。
//
// PATCH /habits/:id
func (s *Server) handleUpdateHabit(c *gin.Context) {
	h, ok := s.loadHabit(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	var req updateHabitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	explicitNull := func(field string) bool {
		v, ok := raw[field]
		return ok && string(bytes.TrimSpace(v)) == "null"
	}

	updates := map[string]interface{}{}
	merged := habit.Payload{
		Action:         h.Action,
		Place:          h.Place,
		IsPleasant:     h.IsPleasant,
		RelatedHabitID: h.RelatedHabitID,
		Reward:         h.Reward,
		Periodicity:    h.Periodicity,
		TimeToComplete: h.TimeToComplete,
	}

	if req.Action != nil {
		merged.Action = *req.Action
		updates["action"] = *req.Action
	}
	if req.Place != nil {
		merged.Place = *req.Place
		updates["place"] = *req.Place
	}
	if req.Time != nil {
		when, err := parseHabitTime(*req.Time)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid time"})
			return
		}
		updates["time"] = when
	}
	if req.IsPleasant != nil {
		merged.IsPleasant = *req.IsPleasant
		updates["is_pleasant"] = *req.IsPleasant
	}
	if req.RelatedHabitID != nil {
		merged.RelatedHabitID = req.RelatedHabitID
		updates["related_habit_id"] = *req.RelatedHabitID
	} else if explicitNull("related_habit") {
		merged.RelatedHabitID = nil
		updates["related_habit_id"] = nil
	}
	if req.Periodicity != nil {
		merged.Periodicity = *req.Periodicity
		updates["periodicity"] = *req.Periodicity
	}
	if req.Reward != nil {
		merged.Reward = *req.Reward
		updates["reward"] = *req.Reward
	} else if explicitNull("reward") {
		merged.Reward = ""
		updates["reward"] = ""
	}
	if req.TimeToComplete != nil {
		merged.TimeToComplete = *req.TimeToComplete
		updates["time_to_complete"] = *req.TimeToComplete
	}
	if req.IsPublic != nil {
		updates["is_public"] = *req.IsPublic
	}

	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no updates"})
		return
	}
	if err := s.validateHabit(c, merged); err != nil {
		return
	}

	if err := s.habits.UpdateHabit(c.Request.Context(), h.ID, updates); err != nil {
		s.logger.Error("update habit failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update habit failed"})
		return
	}

	updated, err := s.habits.GetHabit(c.Request.Context(), h.ID)
	if err != nil {
		s.logger.Error("reload habit failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update habit failed"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleDeleteHabit 删除习惯。
//
// DELETE /habits/:id
func (s *Server) handleDeleteHabit(c *gin.Context) {
	h, ok := s.loadHabit(c)
	if !ok {
		return
	}

	if err := s.habits.DeleteHabit(c.Request.Context(), h.ID); err != nil {
		s.logger.Error("delete habit failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete habit failed"})
		return
	}

	c.Status(http.StatusNoContent)
}

// loadHabit 解析路径 ID、加载习惯并做访问控制。
//
// 失败时已写入响应，调用方直接返回即可。
func (s *Server) loadHabit(c *gin.Context) (*model.Habit, bool) {
	id, ok := parsePathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid habit id"})
		return nil, false
	}

	h, err := s.habits.GetHabit(c.Request.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "habit not found"})
		return nil, false
	}
	if err != nil {
		s.logger.Error("load habit failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load habit failed"})
		return nil, false
	}

	if !policy.CanAccessHabit(requester(c), h) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, false
	}
	return h, true
}

// validateHabit 应用字段校验规则，违规时写入 400 响应。
func (s *Server) validateHabit(c *gin.Context, p habit.Payload) error {
	err := habit.Validate(p, s.relatedLookup(c))
	if err == nil {
		return nil
	}
	var verr *habit.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Message})
		return err
	}
	s.logger.Error("habit validation failed", slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "validation failed"})
	return err
}

// parseHabitTime 解析习惯时间。
//
// 接受完整时间戳（RFC3339）或仅时刻（"15:04" / "15:04:05"，
// 日期部分取当天）。
func parseHabitTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			now := time.Now()
			return time.Date(now.Year(), now.Month(), now.Day(),
				t.Hour(), t.Minute(), t.Second(), 0, now.Location()), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", raw)
}
