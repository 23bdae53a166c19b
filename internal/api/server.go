package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"habittracker/internal/api/auth"
	"habittracker/internal/api/middleware"
	"habittracker/internal/config"
	"habittracker/internal/model"
	"habittracker/internal/pkg/metrics"
	"habittracker/internal/pkg/notify"
	"habittracker/internal/pkg/ratelimit"
	"habittracker/internal/pkg/scanlock"
	"habittracker/internal/pkg/telegram"
	"habittracker/internal/reminder"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、提醒扫描器以及 Gin 路由引擎。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *gorm.DB
	rdb     *redis.Client
	router  *gin.Engine
	scanner *reminder.Scanner
	auth    *auth.Handler
	habits  HabitStore
	users   UserStore
}

// HabitStore 习惯的持久化操作，便于 handler 测试替换。
type HabitStore interface {
	CreateHabit(ctx context.Context, h *model.Habit) error
	GetHabit(ctx context.Context, id uint) (*model.Habit, error)
	ListHabits(ctx context.Context, ownerID uint, all bool, page, pageSize int) ([]model.Habit, int64, error)
	ListPublicHabits(ctx context.Context, page, pageSize int) ([]model.Habit, int64, error)
	UpdateHabit(ctx context.Context, id uint, updates map[string]interface{}) error
	DeleteHabit(ctx context.Context, id uint) error
}

// UserStore 用户的持久化操作。
type UserStore interface {
	GetUser(ctx context.Context, id uint) (*model.User, error)
	ListUsers(ctx context.Context, page, pageSize int) ([]model.User, int64, error)
	UpdateUser(ctx context.Context, id uint, updates map[string]interface{}) error
	DeleteUser(ctx context.Context, id uint) error
}

type dbHabitStore struct {
	db *gorm.DB
}

func (s dbHabitStore) CreateHabit(ctx context.Context, h *model.Habit) error {
	return s.db.WithContext(ctx).Create(h).Error
}

func (s dbHabitStore) GetHabit(ctx context.Context, id uint) (*model.Habit, error) {
	var h model.Habit
	if err := s.db.WithContext(ctx).First(&h, id).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

func (s dbHabitStore) ListHabits(ctx context.Context, ownerID uint, all bool, page, pageSize int) ([]model.Habit, int64, error) {
	habits := []model.Habit{}
	query := s.db.WithContext(ctx).Model(&model.Habit{})
	if !all {
		query = query.Where("owner_id = ?", ownerID)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("id").Offset((page - 1) * pageSize).Limit(pageSize).Find(&habits).Error; err != nil {
		return nil, 0, err
	}
	return habits, total, nil
}

func (s dbHabitStore) ListPublicHabits(ctx context.Context, page, pageSize int) ([]model.Habit, int64, error) {
	habits := []model.Habit{}
	query := s.db.WithContext(ctx).Model(&model.Habit{}).Where("is_public = ?", true)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("id").Offset((page - 1) * pageSize).Limit(pageSize).Find(&habits).Error; err != nil {
		return nil, 0, err
	}
	return habits, total, nil
}

func (s dbHabitStore) UpdateHabit(ctx context.Context, id uint, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&model.Habit{}).Where("id = ?", id).Updates(updates).Error
}

func (s dbHabitStore) DeleteHabit(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&model.Habit{}, id).Error
}

type dbUserStore struct {
	db *gorm.DB
}

func (s dbUserStore) GetUser(ctx context.Context, id uint) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (s dbUserStore) ListUsers(ctx context.Context, page, pageSize int) ([]model.User, int64, error) {
	users := []model.User{}
	query := s.db.WithContext(ctx).Model(&model.User{})
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("id").Offset((page - 1) * pageSize).Limit(pageSize).Find(&users).Error; err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (s dbUserStore) UpdateUser(ctx context.Context, id uint, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteUser 删除用户及其全部习惯。
func (s dbUserStore) DeleteUser(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner_id = ?", id).Delete(&model.Habit{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.User{}, id).Error
	})
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis（锁、限流、公开列表缓存）
// 3. 组装提醒扫描器
// 4. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.User{}, &model.Habit{}); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	var mailer notify.Mailer
	emailNotifier := notify.NewEmailNotifier(&cfg.Email, logger)
	if emailNotifier.Configured() {
		mailer = emailNotifier
	}

	var gateway telegram.Gateway
	if cfg.Telegram.BotToken != "" {
		bot, err := telegram.NewBot(&cfg.Telegram, logger)
		if err != nil {
			return nil, err
		}
		gateway = bot
	} else {
		logger.Warn("telegram bot token not set, reminders disabled")
	}

	limiter := ratelimit.NewRedisRateLimiter(rdb, logger,
		"habittracker:ratelimit:telegram_send", cfg.App.SendRate, cfg.App.SendBurst)
	lock := scanlock.NewLock(rdb, 2*cfg.App.ScanInterval)
	scanner := reminder.NewScanner(
		reminder.NewGormStore(db),
		gateway,
		lock,
		limiter,
		logger,
		cfg.App.ScanInterval,
		cfg.App.WindowRadius,
		cfg.App.WorkerCount,
		cfg.App.QueueCapacity,
	)

	metrics.InitMetrics()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		rdb:     rdb,
		router:  r,
		scanner: scanner,
		auth: auth.NewHandler(db, cfg.Security.JWTSecret,
			cfg.Security.AccessTTL, cfg.Security.RefreshTTL, mailer, logger),
		habits: dbHabitStore{db: db},
		users:  dbUserStore{db: db},
	}
	s.registerRoutes()
	return s, nil
}

// Run 启动提醒扫描器与 HTTP 服务器。
func (s *Server) Run(ctx context.Context) error {
	s.StartScanner(ctx)

	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartScanner 在后台启动提醒扫描循环。
func (s *Server) StartScanner(ctx context.Context) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in reminder scanner", slog.Any("panic", r))
			}
		}()
		s.scanner.Run(ctx)
	}()
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/users", s.auth.Register)
	s.router.POST("/users/verify", s.auth.VerifyEmail)
	s.router.POST("/token", s.auth.Token)
	s.router.POST("/token/refresh", s.auth.Refresh)
	s.router.GET("/habits/public", s.handleListPublicHabits)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.POST("/habits", s.handleCreateHabit)
	authed.GET("/habits", s.handleListHabits)
	authed.GET("/habits/:id", s.handleGetHabit)
	authed.PATCH("/habits/:id", s.handleUpdateHabit)
	authed.DELETE("/habits/:id", s.handleDeleteHabit)
	authed.GET("/users", s.handleListUsers)
	authed.GET("/users/:id", s.handleGetUser)
	authed.PATCH("/users/:id", s.handleUpdateUser)
	authed.DELETE("/users/:id", s.handleDeleteUser)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requester 从令牌声明还原请求者，避免每个请求都回表。
//
// staff/superuser 标志来自签发时刻的快照，角色变更在令牌刷新后生效。
func requester(c *gin.Context) *model.User {
	uid, ok := c.Get("userID")
	if !ok {
		return nil
	}
	id, ok := uid.(uint)
	if !ok {
		return nil
	}
	role := getUserRole(c)
	return &model.User{
		ID:          id,
		IsStaff:     role == "staff" || role == "superuser",
		IsSuperuser: role == "superuser",
	}
}

func getUserRole(c *gin.Context) string {
	role, ok := c.Get("role")
	if !ok {
		return "member"
	}
	if s, ok := role.(string); ok && s != "" {
		return s
	}
	return "member"
}

// parsePage 解析分页参数，page 从 1 开始，page_size 上限 50。
//
// 参数:
//
//	c: Gin 上下文
//	defaultSize: 默认每页条数
//
// 返回值:
//
//	int: 页码
//	int: 每页条数
func parsePage(c *gin.Context, defaultSize int) (int, int) {
	page := parseQueryInt(c, "page", 1)
	if page < 1 {
		page = 1
	}
	size := parseQueryInt(c, "page_size", defaultSize)
	if size < 1 {
		size = defaultSize
	}
	if size > 50 {
		size = 50
	}
	return page, size
}

// parseQueryInt 解析查询参数中的整数值。
func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return iv
}

func parsePathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}
