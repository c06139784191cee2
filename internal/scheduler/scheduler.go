package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/config"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/engine"
)

// Scheduler 按 cron 表达式周期性地触发系列的后台扩展扫描。
// 扫描内部逐系列加锁认领，多副本部署时可以安全地各跑一个 Scheduler
type Scheduler struct {
	cfg    *config.Config
	engine *engine.Engine
	cron   *cron.Cron
}

func NewScheduler(cfg *config.Config, eng *engine.Engine) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: eng,
		cron:   cron.New(),
	}
}

func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.cfg.Engine.SweepCron, func() {
		// 给每轮扫描一个独立的超时，悬挂的数据库调用不会让扫描永远不结束
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.Engine.LockTTL)*time.Second)
		defer cancel()

		start := time.Now()
		s.engine.SweepExpansions(ctx)
		slog.Info("扩展扫描完成", "duration", time.Since(start))
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	slog.Info("后台扩展调度器已启动", "cron", s.cfg.Engine.SweepCron)
	return nil
}

// Stop 停止调度并等待正在运行的扫描结束
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("后台扩展调度器已停止")
}
