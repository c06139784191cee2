package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
)

// occurrenceDate 返回锚点所在日期偏移 days 天的本地日期（UTC 午夜）
func occurrenceDate(anchor time.Time, days int) time.Time {
	date := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, time.UTC)
	return date.AddDate(0, 0, days)
}

func TestExtendSeries_NoopWhenCaughtUp(t *testing.T) {
	env := newTestEnv()

	result, err := env.eng.CreateSeries(context.Background(), demoRequest("FREQ=DAILY;COUNT=10"))
	require.NoError(t, err)
	assert.Equal(t, 10, result.Created)

	// 物化边界之内的扩展请求是幂等的空操作
	created, err := env.eng.ExtendSeries(context.Background(), result.Series.ID, result.Series.MaterializedThrough)
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	// 规则已经跑完，继续向前扩展也不会产生新的 occurrence
	created, err = env.eng.ExtendSeries(context.Background(), result.Series.ID, result.Series.MaterializedThrough.AddDate(0, 0, 30))
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	instances, err := env.store.ListSeriesInstances(context.Background(), result.Series.ID, false)
	require.NoError(t, err)
	assert.Len(t, instances, 10)
}

func TestExtendSeries_ResumesAfterTruncatedRun(t *testing.T) {
	env := newTestEnv()
	env.eng.cfg.Engine.MaxOccurrencesPerRun = 5

	req := demoRequest("FREQ=DAILY;COUNT=20")
	result, err := env.eng.CreateSeries(context.Background(), req)
	require.NoError(t, err)

	// 单次展开被上限截断时，物化边界停在本批实际处理的最后一次
	assert.Equal(t, 5, result.Created)
	assert.Equal(t, req.Anchor.AddDate(0, 0, 4), result.Series.MaterializedThrough)

	// 后续扩展从截断点继续，直到规则自然结束，没有任何 occurrence 丢失
	until := req.Anchor.AddDate(0, 0, 60)
	for i := 0; i < 6; i++ {
		_, err := env.eng.ExtendSeries(context.Background(), result.Series.ID, until)
		require.NoError(t, err)
	}

	instances, err := env.store.ListSeriesInstances(context.Background(), result.Series.ID, false)
	require.NoError(t, err)
	assert.Len(t, instances, 20)

	series, err := env.eng.GetSeries(context.Background(), result.Series.ID)
	require.NoError(t, err)
	assert.Equal(t, until, series.MaterializedThrough)
}

func TestExtendSeries_SkipsInactiveSeries(t *testing.T) {
	env := newTestEnv()

	result, err := env.eng.CreateSeries(context.Background(), demoRequest("FREQ=DAILY;COUNT=10"))
	require.NoError(t, err)

	require.NoError(t, env.eng.SetSeriesStatus(context.Background(), result.Series.ID, domain.SeriesStatusPaused))

	created, err := env.eng.ExtendSeries(context.Background(), result.Series.ID, result.Series.MaterializedThrough.AddDate(0, 0, 30))
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestExtendSeries_SchemaDriftPausesSeries(t *testing.T) {
	env := newTestEnv()

	result, err := env.eng.CreateSeries(context.Background(), demoRequest("FREQ=DAILY;COUNT=10"))
	require.NoError(t, err)

	// 模拟目标表的 title 列被移出可写白名单
	env.collab.writable = []string{"resource_id", "created_by"}

	created, err := env.eng.ExtendSeries(context.Background(), result.Series.ID, result.Series.MaterializedThrough.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	series, err := env.eng.GetSeries(context.Background(), result.Series.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeriesStatusNeedsAttention, series.Status)

	require.Len(t, env.ntf.messages, 1)
	msg := env.ntf.messages[0]
	assert.Equal(t, domain.NotificationSchemaDrift, msg.Type)
	assert.Equal(t, "alice", msg.To)

	data, ok := msg.Data.(domain.SchemaDriftData)
	require.True(t, ok)
	assert.Equal(t, []string{"title"}, data.MissingFields)
}

func TestExtendSeries_PermissionLostPausesSeries(t *testing.T) {
	env := newTestEnv()

	result, err := env.eng.CreateSeries(context.Background(), demoRequest("FREQ=DAILY;COUNT=10"))
	require.NoError(t, err)

	// 所有者在创建之后失去目标表的写权限
	env.perm.allow = false

	created, err := env.eng.ExtendSeries(context.Background(), result.Series.ID, result.Series.MaterializedThrough.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	series, err := env.eng.GetSeries(context.Background(), result.Series.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeriesStatusNeedsAttention, series.Status)

	require.Len(t, env.ntf.messages, 1)
	assert.Equal(t, domain.NotificationPermissionLost, env.ntf.messages[0].Type)
}

func TestSweepExpansions(t *testing.T) {
	env := newTestEnv()

	req := demoRequest("FREQ=DAILY;COUNT=10")
	req.HorizonDays = 1
	result, err := env.eng.CreateSeries(context.Background(), req)
	require.NoError(t, err)

	// 把物化边界拉回锚点，模拟一个落后的系列
	env.store.series[result.Series.ID].MaterializedThrough = req.Anchor

	env.eng.SweepExpansions(context.Background())

	instances, err := env.store.ListSeriesInstances(context.Background(), result.Series.ID, false)
	require.NoError(t, err)
	assert.Len(t, instances, 10)

	series, err := env.eng.GetSeries(context.Background(), result.Series.ID)
	require.NoError(t, err)
	assert.Equal(t, req.Anchor.AddDate(0, 0, 10), series.MaterializedThrough)
}

func TestListInstances_ExtendsOnDemand(t *testing.T) {
	env := newTestEnv()

	req := demoRequest("FREQ=DAILY;COUNT=10")
	req.HorizonDays = 1
	result, err := env.eng.CreateSeries(context.Background(), req)
	require.NoError(t, err)

	// 查询范围超过物化边界时先按需扩展
	instances, err := env.eng.ListInstances(context.Background(), result.Series.ID, req.Anchor.AddDate(0, 0, 15))
	require.NoError(t, err)
	require.Len(t, instances, 10)

	for i := 1; i < len(instances); i++ {
		assert.True(t, instances[i-1].OccurrenceDate.Before(instances[i].OccurrenceDate))
	}
}

func TestListGroupTimeline_MergesVersions(t *testing.T) {
	env := newTestEnv()

	req := demoRequest("FREQ=DAILY;COUNT=10")
	result, err := env.eng.CreateSeries(context.Background(), req)
	require.NoError(t, err)

	_, err = env.eng.SplitFromDate(context.Background(), &SplitSeriesRequest{
		SeriesID:  result.Series.ID,
		SplitDate: occurrenceDate(req.Anchor, 5),
	})
	require.NoError(t, err)

	// 拆分对读取方透明：时间线仍然是一条连续的 10 次序列
	timeline, err := env.eng.ListGroupTimeline(context.Background(), result.Group.ID, occurrenceDate(req.Anchor, 9))
	require.NoError(t, err)
	require.Len(t, timeline, 10)

	for i, inst := range timeline {
		assert.Equal(t, occurrenceDate(req.Anchor, i), inst.OccurrenceDate)
	}
}
