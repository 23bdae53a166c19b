package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"habittracker/internal/model"

	"github.com/gin-gonic/gin"
)

type mockUserStore struct {
	getFunc     func(ctx context.Context, id uint) (*model.User, error)
	listFunc    func(ctx context.Context, page, pageSize int) ([]model.User, int64, error)
	updateFunc  func(ctx context.Context, id uint, updates map[string]interface{}) error
	deleteFunc  func(ctx context.Context, id uint) error
	updateCalls int
	deleteCalls int
}

func (m *mockUserStore) GetUser(ctx context.Context, id uint) (*model.User, error) {
	return m.getFunc(ctx, id)
}

func (m *mockUserStore) ListUsers(ctx context.Context, page, pageSize int) ([]model.User, int64, error) {
	return m.listFunc(ctx, page, pageSize)
}

func (m *mockUserStore) UpdateUser(ctx context.Context, id uint, updates map[string]interface{}) error {
	m.updateCalls++
	return m.updateFunc(ctx, id, updates)
}

func (m *mockUserStore) DeleteUser(ctx context.Context, id uint) error {
	m.deleteCalls++
	return m.deleteFunc(ctx, id)
}

func TestListUsers_StaffOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)

	users := &mockUserStore{
		listFunc: func(ctx context.Context, page, pageSize int) ([]model.User, int64, error) {
			return []model.User{{ID: 1}, {ID: 2}}, 2, nil
		},
	}
	s := newTestServer(nil, users)

	r := gin.New()
	r.GET("/users", asUser(5, "member", s.handleListUsers))
	if w := doJSON(t, r, http.MethodGet, "/users", nil); w.Code != http.StatusForbidden {
		t.Fatalf("member listing users: expected 403, got %d", w.Code)
	}

	r = gin.New()
	r.GET("/users", asUser(5, "staff", s.handleListUsers))
	w := doJSON(t, r, http.MethodGet, "/users", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("staff listing users: expected 200, got %d", w.Code)
	}

	var resp userListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("expected count 2, got %d", resp.Count)
	}
}

func TestUpdateUser_SelfOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)

	users := &mockUserStore{
		getFunc: func(ctx context.Context, id uint) (*model.User, error) {
			return &model.User{ID: id, Email: "a@example.com"}, nil
		},
		updateFunc: func(ctx context.Context, id uint, updates map[string]interface{}) error {
			return nil
		},
	}
	s := newTestServer(nil, users)

	body := map[string]string{"city": "Berlin"}

	// 管理员也不能代改他人资料
	r := gin.New()
	r.PATCH("/users/:id", asUser(2, "superuser", s.handleUpdateUser))
	if w := doJSON(t, r, http.MethodPatch, "/users/1", body); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if users.updateCalls != 0 {
		t.Fatal("update must not run for a foreign profile")
	}

	r = gin.New()
	r.PATCH("/users/:id", asUser(1, "member", s.handleUpdateUser))
	if w := doJSON(t, r, http.MethodPatch, "/users/1", body); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if users.updateCalls != 1 {
		t.Fatal("expected self update to run")
	}
}

func TestUpdateUser_TelegramNikResetsChatID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var gotUpdates map[string]interface{}
	users := &mockUserStore{
		getFunc: func(ctx context.Context, id uint) (*model.User, error) {
			return &model.User{ID: id, TelegramNik: "old", TelegramChatID: 555}, nil
		},
		updateFunc: func(ctx context.Context, id uint, updates map[string]interface{}) error {
			gotUpdates = updates
			return nil
		},
	}
	s := newTestServer(nil, users)

	r := gin.New()
	r.PATCH("/users/:id", asUser(1, "member", s.handleUpdateUser))
	w := doJSON(t, r, http.MethodPatch, "/users/1", map[string]string{"telegram_nik": "@fresh"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if gotUpdates["telegram_nik"] != "fresh" {
		t.Fatalf("expected @-prefix stripped, got %v", gotUpdates["telegram_nik"])
	}
	if gotUpdates["telegram_chat_id"] != int64(0) {
		t.Fatalf("expected chat id reset on rebind, got %v", gotUpdates["telegram_chat_id"])
	}
}

func TestDeleteUser_SelfOrAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	users := &mockUserStore{
		getFunc: func(ctx context.Context, id uint) (*model.User, error) {
			return &model.User{ID: id}, nil
		},
		deleteFunc: func(ctx context.Context, id uint) error { return nil },
	}
	s := newTestServer(nil, users)

	r := gin.New()
	r.DELETE("/users/:id", asUser(7, "member", s.handleDeleteUser))
	if w := doJSON(t, r, http.MethodDelete, "/users/1", nil); w.Code != http.StatusForbidden {
		t.Fatalf("stranger delete: expected 403, got %d", w.Code)
	}

	r = gin.New()
	r.DELETE("/users/:id", asUser(1, "member", s.handleDeleteUser))
	if w := doJSON(t, r, http.MethodDelete, "/users/1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("self delete: expected 204, got %d", w.Code)
	}

	r = gin.New()
	r.DELETE("/users/:id", asUser(9, "staff", s.handleDeleteUser))
	if w := doJSON(t, r, http.MethodDelete, "/users/1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("staff delete: expected 204, got %d", w.Code)
	}
	if users.deleteCalls != 2 {
		t.Fatalf("expected 2 deletes, got %d", users.deleteCalls)
	}
}
