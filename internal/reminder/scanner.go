package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"habittracker/internal/model"
	"habittracker/internal/pkg/metrics"
	"habittracker/internal/pkg/queue"
	"habittracker/internal/pkg/scanlock"
	"habittracker/internal/pkg/telegram"
)

// Limiter 限制出站发送速率。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Scanner 是提醒扫描器。
//
// 每个周期：先吸收 Telegram 入站消息完成 chat 绑定，再查出时刻
// 落在 ±radius 窗口内的习惯，逐条派发到 worker 池。周期之间通过
// Redis 单飞锁互斥，重叠的周期直接跳过。
type Scanner struct {
	store   Store
	gateway telegram.Gateway
	lock    *scanlock.Lock
	limiter Limiter
	logger  *slog.Logger
	queue   *queue.Queue

	interval time.Duration
	radius   time.Duration

	now func() time.Time // 便于测试注入
}

// NewScanner 创建提醒扫描器。
//
// 参数:
//
//	store: 持久化操作
//	gateway: Telegram 网关（nil 表示未配置，周期只做计数不派发）
//	lock: 单飞锁（nil 表示单实例，不互斥）
//	limiter: 出站发送限流器（nil 表示不限流）
//	logger: 日志记录器
//	interval: 扫描周期间隔
//	radius: 窗口半径（默认 10 分钟）
//	workers: 派发 worker 数（0 表示默认 10）
//	capacity: 派发队列容量（0 表示默认 200）
func NewScanner(store Store, gateway telegram.Gateway, lock *scanlock.Lock, limiter Limiter, logger *slog.Logger, interval, radius time.Duration, workers, capacity int) *Scanner {
	if workers <= 0 {
		workers = 10
	}
	if capacity <= 0 {
		capacity = 200
	}
	if radius <= 0 {
		radius = 10 * time.Minute
	}

	q := queue.NewQueue(logger, workers, capacity)
	q.SetErrorHandler(func(err error, _ queue.Job) {
		logger.Error("reminder dispatch failed",
			slog.String("error", err.Error()))
	})

	return &Scanner{
		store:    store,
		gateway:  gateway,
		lock:     lock,
		limiter:  limiter,
		logger:   logger,
		queue:    q,
		interval: interval,
		radius:   radius,
		now:      time.Now,
	}
}

// Run 启动扫描循环，直到 ctx 被取消。
//
// 首次立即扫描一次，之后按 interval 周期触发。
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Info("reminder scanner started",
		slog.String("interval", s.interval.String()),
		slog.String("window_radius", s.radius.String()))

	s.queue.Start(ctx)

	if err := s.ScanOnce(ctx); err != nil {
		s.logger.Error("scan cycle failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reminder scanner stopping")
			if err := s.queue.ShutdownWithTimeout(30 * time.Second); err != nil {
				s.logger.Error("dispatch queue shutdown timeout", slog.String("error", err.Error()))
			}
			s.logger.Info("reminder scanner stopped")
			return

		case <-ticker.C:
			if err := s.ScanOnce(ctx); err != nil {
				s.logger.Error("scan cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce 启动 worker 池、执行单个扫描周期并排空派发队列。
//
// 提供给外部调度器驱动的一次性运行模式。
func (s *Scanner) RunOnce(ctx context.Context) error {
	s.queue.Start(ctx)
	err := s.ScanOnce(ctx)
	if shutdownErr := s.queue.ShutdownWithTimeout(30 * time.Second); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

// ScanOnce 执行一个完整的扫描周期。
//
// 单条习惯的派发失败只计数，不会中断本周期的其余派发。
func (s *Scanner) ScanOnce(ctx context.Context) error {
	started := s.now()

	acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		metrics.ReminderScanTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("acquire scan lock: %w", err)
	}
	if !acquired {
		s.logger.Info("scan skipped, previous cycle still running")
		metrics.ReminderScanTotal.WithLabelValues("skipped_lock").Inc()
		return nil
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release scan lock failed", slog.String("error", err.Error()))
		}
	}()

	// 先吸收入站消息，让刚完成绑定的用户在本周期内即可收到提醒
	if err := s.ResolveChatLinks(ctx); err != nil {
		s.logger.Warn("chat link resolution failed", slog.String("error", err.Error()))
	}

	start, end, wraps := WindowBounds(started, s.radius)
	habits, err := s.store.DueHabits(ctx, start, end, wraps)
	if err != nil {
		metrics.ReminderScanTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("load due habits: %w", err)
	}

	if s.gateway == nil {
		if len(habits) > 0 {
			s.logger.Warn("telegram gateway not configured, due habits left pending",
				slog.Int("due", len(habits)))
		}
		metrics.ReminderScanTotal.WithLabelValues("completed").Inc()
		return nil
	}

	var sent, skipped, failed atomic.Int64
	var wg sync.WaitGroup

	for i := range habits {
		if ctx.Err() != nil {
			failed.Add(int64(len(habits) - i))
			s.logger.Warn("scan canceled, remaining habits not dispatched",
				slog.Int("remaining", len(habits)-i))
			break
		}
		h := habits[i]
		wg.Add(1)
		job := func(jobCtx context.Context) error {
			defer wg.Done()
			result, err := s.Dispatch(jobCtx, &h)
			switch result {
			case ResultSent:
				sent.Add(1)
			case ResultSkippedNoChat:
				skipped.Add(1)
			case ResultFailed:
				failed.Add(1)
			}
			return err
		}
		if err := s.queue.EnqueueBlocking(ctx, job); err != nil {
			wg.Done()
			failed.Add(1)
			s.logger.Warn("enqueue dispatch blocked or canceled",
				slog.Uint64("habit_id", uint64(h.ID)),
				slog.String("error", err.Error()))
		}
	}

	// 取消后 worker 退出前会排空队列执行剩余任务（任务自己对
	// 已取消的 ctx 快速失败），所以这里通常还能等到 WaitGroup
	// 归零；等不到时放弃周期而不是永久阻塞。
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		select {
		case <-waitDone:
		case <-time.After(5 * time.Second):
			s.logger.Error("dispatch wait abandoned after cancellation",
				slog.Int("due", len(habits)))
		}
		metrics.ReminderScanTotal.WithLabelValues("canceled").Inc()
		return ctx.Err()
	}

	elapsed := time.Since(started)
	metrics.ReminderScanTotal.WithLabelValues("completed").Inc()
	metrics.ReminderScanDuration.Observe(elapsed.Seconds())

	s.logger.Info("scan cycle completed",
		slog.Int("due", len(habits)),
		slog.Int64("sent", sent.Load()),
		slog.Int64("skipped_no_chat", skipped.Load()),
		slog.Int64("failed", failed.Load()),
		slog.String("elapsed", elapsed.String()))
	return nil
}

// DispatchResult 表示单条提醒的派发结果。
type DispatchResult int

const (
	ResultSent          DispatchResult = iota // 已发送并顺延
	ResultSkippedNoChat                       // 用户未绑定 chat id，跳过且不顺延
	ResultFailed                              // 发送或持久化失败，不顺延（下个周期自然重试）
)

// Dispatch 派发单条提醒。
//
// 发送成功后把习惯的下次执行时间按 Periodicity 天顺延（时刻不变）
// 并写回；发送失败不顺延，让下个落入窗口的周期自然重试。
func (s *Scanner) Dispatch(ctx context.Context, h *model.Habit) (DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		metrics.ReminderDispatchTotal.WithLabelValues("failed").Inc()
		return ResultFailed, fmt.Errorf("dispatch habit %d: %w", h.ID, err)
	}

	owner := h.Owner
	if owner == nil || owner.TelegramChatID == 0 {
		s.logger.Debug("skip habit without chat binding",
			slog.Uint64("habit_id", uint64(h.ID)),
			slog.Uint64("owner_id", uint64(h.OwnerID)))
		metrics.ReminderDispatchTotal.WithLabelValues("skipped_no_chat").Inc()
		return ResultSkippedNoChat, nil
	}

	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx); err != nil {
			metrics.ReminderDispatchTotal.WithLabelValues("failed").Inc()
			return ResultFailed, fmt.Errorf("rate limit: %w", err)
		}
	}

	if err := s.gateway.SendMessage(ctx, owner.TelegramChatID, FormatReminder(h)); err != nil {
		metrics.ReminderDispatchTotal.WithLabelValues("failed").Inc()
		return ResultFailed, fmt.Errorf("send reminder for habit %d: %w", h.ID, err)
	}

	next := h.Time.AddDate(0, 0, h.Periodicity)
	if err := s.store.AdvanceHabit(ctx, h.ID, next); err != nil {
		metrics.ReminderDispatchTotal.WithLabelValues("failed").Inc()
		return ResultFailed, fmt.Errorf("advance habit %d: %w", h.ID, err)
	}

	metrics.ReminderDispatchTotal.WithLabelValues("sent").Inc()
	s.logger.Info("reminder sent",
		slog.Uint64("habit_id", uint64(h.ID)),
		slog.Int64("chat_id", owner.TelegramChatID),
		slog.String("next_run", next.Format(time.RFC3339)))
	return ResultSent, nil
}

// FormatReminder 生成提醒文本，包含动作、地点、时刻和时长。
func FormatReminder(h *model.Habit) string {
	return fmt.Sprintf("Habit: %s at %s, time %s, for %d minutes",
		h.Action, h.Place, h.Time.Format("15:04"), h.TimeToComplete)
}

// ResolveChatLinks 拉取入站消息积压并绑定 chat id。
//
// 没有匹配账号的发送者静默跳过；同一用户的多条消息按最新一条覆盖。
// 不做 offset 确认，重复处理同一批消息结果相同（幂等）。
func (s *Scanner) ResolveChatLinks(ctx context.Context) error {
	if s.gateway == nil {
		return nil
	}

	updates, err := s.gateway.GetUpdates(ctx)
	if err != nil {
		return fmt.Errorf("poll updates: %w", err)
	}

	for _, u := range updates {
		if u.Username == "" {
			continue
		}
		user, err := s.store.FindUserByTelegramNik(ctx, u.Username)
		if errors.Is(err, ErrUserNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("lookup user by telegram nik failed",
				slog.String("username", u.Username),
				slog.String("error", err.Error()))
			continue
		}
		if err := s.store.BindChatID(ctx, user.ID, u.ChatID); err != nil {
			s.logger.Warn("bind chat id failed",
				slog.Uint64("user_id", uint64(user.ID)),
				slog.String("error", err.Error()))
			continue
		}
		metrics.ChatLinkResolvedTotal.Inc()
		s.logger.Info("chat id bound",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.Int64("chat_id", u.ChatID))
	}
	return nil
}
