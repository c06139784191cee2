package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
)

func TestCreateSeries_MaterializesImmediately(t *testing.T) {
	env := newTestEnv()

	result, err := env.eng.CreateSeries(context.Background(), demoRequest("FREQ=DAILY;COUNT=10"))
	require.NoError(t, err)

	assert.Equal(t, 10, result.Created)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, int32(1), result.Series.Version)
	assert.Equal(t, domain.SeriesStatusActive, result.Series.Status)
	assert.Len(t, env.collab.records, 10)

	instances, err := env.store.ListSeriesInstances(context.Background(), result.Series.ID, false)
	require.NoError(t, err)
	require.Len(t, instances, 10)
	for _, inst := range instances {
		require.NotNil(t, inst.TargetRef)
		record := env.collab.records[*inst.TargetRef]
		assert.Equal(t, "周例会", record["title"])
	}
}

func TestCreateSeries_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(req *CreateSeriesRequest, env *testEnv)
	}{
		{
			name: "invalid rule",
			mutate: func(req *CreateSeriesRequest, _ *testEnv) {
				req.Rule = "not a rule"
			},
		},
		{
			name: "sub-hourly frequency",
			mutate: func(req *CreateSeriesRequest, _ *testEnv) {
				req.Rule = "FREQ=MINUTELY;COUNT=10"
			},
		},
		{
			name: "unterminated rule when disallowed",
			mutate: func(req *CreateSeriesRequest, env *testEnv) {
				env.eng.cfg.Engine.AllowUnterminatedRules = false
				req.Rule = "FREQ=DAILY"
			},
		},
		{
			name: "non-positive duration",
			mutate: func(req *CreateSeriesRequest, _ *testEnv) {
				req.DurationSeconds = 0
			},
		},
		{
			name: "unknown conflict policy",
			mutate: func(req *CreateSeriesRequest, _ *testEnv) {
				req.ConflictPolicy = "retry"
			},
		},
		{
			name: "unknown timezone",
			mutate: func(req *CreateSeriesRequest, _ *testEnv) {
				req.Timezone = "Not/AZone"
			},
		},
		{
			name: "template field outside whitelist",
			mutate: func(req *CreateSeriesRequest, _ *testEnv) {
				req.Template["start_time"] = "2025-01-06"
			},
		},
		{
			name: "owner without write permission",
			mutate: func(_ *CreateSeriesRequest, env *testEnv) {
				env.perm.allow = false
			},
		},
		{
			name: "unregistered target table",
			mutate: func(req *CreateSeriesRequest, _ *testEnv) {
				req.TargetTable = "rooms"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			req := demoRequest("FREQ=DAILY;COUNT=10")
			tt.mutate(req, env)

			_, err := env.eng.CreateSeries(context.Background(), req)
			assert.Error(t, err)
			assert.Empty(t, env.store.series)
		})
	}
}

func TestCreateSeries_SkipPolicy(t *testing.T) {
	env := newTestEnv()
	req := demoRequest("FREQ=DAILY;COUNT=5")

	// 第 2 天的 occurrence（09:00-10:00）与一条已有预订相交
	seedBooking(t, env.collab, 1, req.Anchor.AddDate(0, 0, 2).Add(30*time.Minute), req.Anchor.AddDate(0, 0, 2).Add(90*time.Minute))

	result, err := env.eng.CreateSeries(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Created)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.SkippedOccurrences, 1)
	assert.Equal(t, req.Anchor.AddDate(0, 0, 2), result.SkippedOccurrences[0].Start)

	// 被跳过的次保留为 conflict_skipped 的 instance，没有目标记录
	inst, err := env.eng.GetOccurrenceByDate(context.Background(), result.Series.ID, occurrenceDate(req.Anchor, 2))
	require.NoError(t, err)
	assert.True(t, inst.IsException)
	assert.Equal(t, domain.ExceptionConflictSkipped, inst.ExceptionKind)
	assert.Nil(t, inst.TargetRef)
}

func TestCreateSeries_AbortPolicy(t *testing.T) {
	env := newTestEnv()
	req := demoRequest("FREQ=DAILY;COUNT=5")
	req.ConflictPolicy = domain.ConflictPolicyAbort

	seedBooking(t, env.collab, 1, req.Anchor.AddDate(0, 0, 2).Add(30*time.Minute), req.Anchor.AddDate(0, 0, 2).Add(90*time.Minute))

	_, err := env.eng.CreateSeries(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrBookingConflict)

	// abort 策略不留半成品：只剩下种子预订
	assert.Empty(t, env.store.series)
	assert.Empty(t, env.store.groups)
	assert.Empty(t, env.store.instances)
	assert.Len(t, env.collab.records, 1)
}

// 预检看不到竞争者的预订时，冲突在提交时才被排他约束拒绝，
// skip 策略应与预检发现的冲突同样处理
func TestCreateSeries_SkipPolicyConcurrentConflict(t *testing.T) {
	env := newTestEnv()
	req := demoRequest("FREQ=DAILY;COUNT=5")

	ref := seedBooking(t, env.collab, 1, req.Anchor.AddDate(0, 0, 2).Add(30*time.Minute), req.Anchor.AddDate(0, 0, 2).Add(90*time.Minute))
	env.collab.hidden[ref] = true

	result, err := env.eng.CreateSeries(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Created)
	assert.Equal(t, 1, result.Skipped)

	inst, err := env.eng.GetOccurrenceByDate(context.Background(), result.Series.ID, occurrenceDate(req.Anchor, 2))
	require.NoError(t, err)
	assert.True(t, inst.IsException)
	assert.Equal(t, domain.ExceptionConflictSkipped, inst.ExceptionKind)
	assert.Nil(t, inst.TargetRef)
}

func TestCreateSeries_AbortPolicyConcurrentConflict(t *testing.T) {
	env := newTestEnv()
	req := demoRequest("FREQ=DAILY;COUNT=5")
	req.ConflictPolicy = domain.ConflictPolicyAbort

	ref := seedBooking(t, env.collab, 1, req.Anchor.AddDate(0, 0, 2).Add(30*time.Minute), req.Anchor.AddDate(0, 0, 2).Add(90*time.Minute))
	env.collab.hidden[ref] = true

	// 预检干净，第 2 天在提交时被拒绝，已提交的兄弟 occurrence 全部补偿回滚
	_, err := env.eng.CreateSeries(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrBookingConflict)

	assert.Empty(t, env.store.series)
	assert.Empty(t, env.store.groups)
	assert.Empty(t, env.store.instances)
	assert.Len(t, env.collab.records, 1)
}

func TestSplitFromDate(t *testing.T) {
	env := newTestEnv()
	req := demoRequest("FREQ=DAILY;COUNT=10")

	result, err := env.eng.CreateSeries(context.Background(), req)
	require.NoError(t, err)

	splitDate := occurrenceDate(req.Anchor, 5)
	split, err := env.eng.SplitFromDate(context.Background(), &SplitSeriesRequest{
		SeriesID:  result.Series.ID,
		SplitDate: splitDate,
	})
	require.NoError(t, err)

	// 旧版本在拆分日前一天结束
	assert.Equal(t, domain.SeriesStatusEnded, split.OldSeries.Status)
	require.NotNil(t, split.OldSeries.EffectiveUntil)
	assert.Equal(t, splitDate.AddDate(0, 0, -1), *split.OldSeries.EffectiveUntil)

	assert.Equal(t, int32(2), split.NewSeries.Version)
	assert.Equal(t, splitDate, split.NewSeries.EffectiveFrom)
	assert.Equal(t, int64(5), split.Repointed)

	// 历史 instance 不受影响，拆分日之后的改挂到新系列
	oldInstances, err := env.store.ListSeriesInstances(context.Background(), split.OldSeries.ID, false)
	require.NoError(t, err)
	require.Len(t, oldInstances, 5)
	for _, inst := range oldInstances {
		assert.True(t, inst.OccurrenceDate.Before(splitDate))
	}

	newInstances, err := env.store.ListSeriesInstances(context.Background(), split.NewSeries.ID, false)
	require.NoError(t, err)
	require.Len(t, newInstances, 5)
	for _, inst := range newInstances {
		assert.False(t, inst.OccurrenceDate.Before(splitDate))
	}

	// group 恰好有一个当前版本，新版本的物化边界与旧版本对齐
	versions, err := env.store.ListSeriesByGroup(context.Background(), result.Group.ID)
	require.NoError(t, err)
	current := 0
	for _, v := range versions {
		if v.EffectiveUntil == nil {
			current++
		}
	}
	assert.Equal(t, 1, current)
	assert.Equal(t, split.OldSeries.MaterializedThrough, split.NewSeries.MaterializedThrough)
}

func TestSplitFromDate_PropagatesNewTemplate(t *testing.T) {
	env := newTestEnv()
	req := demoRequest("FREQ=DAILY;COUNT=10")

	result, err := env.eng.CreateSeries(context.Background(), req)
	require.NoError(t, err)

	// 第 6 天被人工改过，之后的模板传播不应覆盖它
	inst6, err := env.eng.GetOccurrenceByDate(context.Background(), result.Series.ID, occurrenceDate(req.Anchor, 6))
	require.NoError(t, err)
	require.NotNil(t, inst6.TargetRef)
	require.NoError(t, env.eng.UpdateOccurrence(context.Background(), "bookings", *inst6.TargetRef, map[string]any{"title": "特殊议程"}, "alice"))

	splitDate := occurrenceDate(req.Anchor, 5)
	split, err := env.eng.SplitFromDate(context.Background(), &SplitSeriesRequest{
		SeriesID:        result.Series.ID,
		SplitDate:       splitDate,
		NewTemplate:     map[string]any{"resource_id": int64(1), "title": "新标题", "created_by": "alice"},
		PropagateFields: true,
	})
	require.NoError(t, err)

	newInstances, err := env.store.ListSeriesInstances(context.Background(), split.NewSeries.ID, false)
	require.NoError(t, err)
	for _, inst := range newInstances {
		require.NotNil(t, inst.TargetRef)
		assert.Equal(t, "新标题", env.collab.records[*inst.TargetRef]["title"])
	}

	// 异常 instance 保留人工编辑
	assert.Equal(t, "特殊议程", env.collab.records[*inst6.TargetRef]["title"])

	// 历史版本的记录保持原模板
	oldInstances, err := env.store.ListSeriesInstances(context.Background(), split.OldSeries.ID, false)
	require.NoError(t, err)
	for _, inst := range oldInstances {
		require.NotNil(t, inst.TargetRef)
		assert.Equal(t, "周例会", env.collab.records[*inst.TargetRef]["title"])
	}
}

func TestSplitFromDate_OnlyCurrentVersion(t *testing.T) {
	env := newTestEnv()
	req := demoRequest("FREQ=DAILY;COUNT=10")

	result, err := env.eng.CreateSeries(context.Background(), req)
	require.NoError(t, err)

	// 拆分日期必须晚于生效日期
	_, err = env.eng.SplitFromDate(context.Background(), &SplitSeriesRequest{
		SeriesID:  result.Series.ID,
		SplitDate: occurrenceDate(req.Anchor, 0),
	})
	assert.Error(t, err)

	_, err = env.eng.SplitFromDate(context.Background(), &SplitSeriesRequest{
		SeriesID:  result.Series.ID,
		SplitDate: occurrenceDate(req.Anchor, 5),
	})
	require.NoError(t, err)

	// 历史版本不能再次拆分
	_, err = env.eng.SplitFromDate(context.Background(), &SplitSeriesRequest{
		SeriesID:  result.Series.ID,
		SplitDate: occurrenceDate(req.Anchor, 7),
	})
	assert.Error(t, err)
}

func TestUpdateTemplate_SkipsExceptionInstances(t *testing.T) {
	env := newTestEnv()
	req := demoRequest("FREQ=DAILY;COUNT=5")

	result, err := env.eng.CreateSeries(context.Background(), req)
	require.NoError(t, err)

	inst2, err := env.eng.GetOccurrenceByDate(context.Background(), result.Series.ID, occurrenceDate(req.Anchor, 2))
	require.NoError(t, err)
	require.NotNil(t, inst2.TargetRef)
	require.NoError(t, env.eng.UpdateOccurrence(context.Background(), "bookings", *inst2.TargetRef, map[string]any{"title": "特殊议程"}, "alice"))

	updated, err := env.eng.UpdateTemplate(context.Background(), result.Series.ID, map[string]any{"resource_id": int64(1), "title": "新标题", "created_by": "alice"})
	require.NoError(t, err)
	assert.Equal(t, 4, updated)

	assert.Equal(t, "特殊议程", env.collab.records[*inst2.TargetRef]["title"])

	series, err := env.eng.GetSeries(context.Background(), result.Series.ID)
	require.NoError(t, err)
	assert.Equal(t, "新标题", series.Template["title"])
}

func TestSetSeriesStatus(t *testing.T) {
	env := newTestEnv()

	result, err := env.eng.CreateSeries(context.Background(), demoRequest("FREQ=DAILY;COUNT=5"))
	require.NoError(t, err)

	require.NoError(t, env.eng.SetSeriesStatus(context.Background(), result.Series.ID, domain.SeriesStatusPaused))
	series, err := env.eng.GetSeries(context.Background(), result.Series.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeriesStatusPaused, series.Status)

	// 只允许切换到 active 或 paused
	assert.Error(t, env.eng.SetSeriesStatus(context.Background(), result.Series.ID, domain.SeriesStatusNeedsAttention))

	// ended 是终态
	env.store.series[result.Series.ID].Status = domain.SeriesStatusEnded
	assert.Error(t, env.eng.SetSeriesStatus(context.Background(), result.Series.ID, domain.SeriesStatusActive))
}

func TestDeleteSeries_RemovesEmptyGroup(t *testing.T) {
	env := newTestEnv()

	result, err := env.eng.CreateSeries(context.Background(), demoRequest("FREQ=DAILY;COUNT=5"))
	require.NoError(t, err)

	require.NoError(t, env.eng.DeleteSeries(context.Background(), result.Series.ID))

	assert.Empty(t, env.store.series)
	assert.Empty(t, env.store.instances)
	assert.Empty(t, env.store.groups)
	assert.Empty(t, env.collab.records)
}

func TestDeleteGroup_CascadesAllVersions(t *testing.T) {
	env := newTestEnv()
	req := demoRequest("FREQ=DAILY;COUNT=10")

	result, err := env.eng.CreateSeries(context.Background(), req)
	require.NoError(t, err)

	_, err = env.eng.SplitFromDate(context.Background(), &SplitSeriesRequest{
		SeriesID:  result.Series.ID,
		SplitDate: occurrenceDate(req.Anchor, 5),
	})
	require.NoError(t, err)

	require.NoError(t, env.eng.DeleteGroup(context.Background(), result.Group.ID))

	assert.Empty(t, env.store.series)
	assert.Empty(t, env.store.instances)
	assert.Empty(t, env.store.groups)
	assert.Empty(t, env.collab.records)
}
