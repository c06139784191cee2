package seed

import (
	"context"
	"log/slog"
	"math/rand"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/config"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/engine"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/repository"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/utils"
)

var demoTimezones = []string{"Asia/Shanghai", "Asia/Shanghai", "Asia/Shanghai", "America/New_York"}

// SeedDemoData 生成随机用户和演示用的周期系列。
// 系列走完整的引擎路径创建，种子数据因此和真实请求产生的数据形状完全一致
func SeedDemoData(cfg *config.Config, repo *repository.Repository, eng *engine.Engine, userCount, seriesCount int) {
	ctx := context.Background()

	users := []*domain.User{}
	for i := 0; i < userCount; i++ {
		user, err := utils.GenerateRandomUser(cfg.Seed.User.Password, "example.com")
		if err != nil {
			slog.Error("生成随机用户失败", "error", err)
			continue
		}

		if err := repo.CreateUser(ctx, user); err != nil {
			// 随机用户名可能撞车，跳过即可
			slog.Warn("插入用户失败", "username", user.Username, "error", err)
			continue
		}
		users = append(users, user)
	}

	if len(users) == 0 {
		slog.Error("没有可用的种子用户，跳过系列生成")
		return
	}

	created := 0
	for i := 0; i < seriesCount; i++ {
		owner := users[rand.Intn(len(users))]
		resourceID := int64(rand.Intn(5) + 1)

		result, err := eng.CreateSeries(ctx, &engine.CreateSeriesRequest{
			GroupName:        utils.GenerateRandomChineseName() + "的周期预订",
			GroupDescription: "种子数据",
			GroupColor:       utils.GenerateRandomColor(),
			OwnerUsername:    owner.Username,
			TargetTable:      "bookings",
			Template:         utils.GenerateRandomBookingTemplate(resourceID, owner.Username),
			Rule:             utils.GenerateRandomRule(),
			Anchor:           utils.GenerateRandomAnchor(),
			DurationSeconds:  int64((rand.Intn(4) + 1) * 1800), // 30 分钟到 2 小时
			Timezone:         demoTimezones[rand.Intn(len(demoTimezones))],
			ConflictPolicy:   domain.ConflictPolicySkip,
		})
		if err != nil {
			slog.Warn("创建演示系列失败", "error", err)
			continue
		}

		created++
		slog.Info("已创建演示系列", "seriesID", result.Series.ID, "created", result.Created, "skipped", result.Skipped)
	}

	slog.Info("种子数据生成完成", "users", len(users), "series", created)
}
