package engine

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/config"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/conflict"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/lock"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/storage"
)

// fakeCollab 是目标记录存储的内存假实现，
// 用排他约束的语义（同作用域时间段相交即拒绝）模拟 bookings 表
type fakeCollab struct {
	registry storage.Registry
	writable []string
	nextRef  int64
	records  map[int64]map[string]any
	// hidden 中的记录对 ListRanges 不可见，但创建时仍参与排他约束的判定，
	// 用来模拟预检之后才被并发预订占用的竞争窗口
	hidden map[int64]bool
}

func newFakeCollab() *fakeCollab {
	registry := storage.DefaultRegistry()
	return &fakeCollab{
		registry: registry,
		writable: registry["bookings"].Writable,
		records:  map[int64]map[string]any{},
		hidden:   map[int64]bool{},
	}
}

func (f *fakeCollab) recordRange(fields map[string]any) (domain.TimeRange, bool) {
	ad := f.registry["bookings"]
	start, okStart := fields[ad.StartColumn].(time.Time)
	end, okEnd := fields[ad.EndColumn].(time.Time)
	if !okStart || !okEnd {
		return domain.TimeRange{}, false
	}
	return domain.TimeRange{Start: start, End: end}, true
}

func (f *fakeCollab) recordScope(fields map[string]any) (int64, bool) {
	ad := f.registry["bookings"]
	return toInt64(fields[ad.ScopeColumn])
}

func (f *fakeCollab) CreateRecord(_ context.Context, _ string, fields map[string]any) (int64, error) {
	rng, ok := f.recordRange(fields)
	if !ok {
		return 0, fmt.Errorf("缺少时间列")
	}
	scope, _ := f.recordScope(fields)

	for _, existing := range f.records {
		existingScope, _ := f.recordScope(existing)
		if existingScope != scope {
			continue
		}
		if existingRange, ok := f.recordRange(existing); ok && rng.Overlaps(existingRange) {
			return 0, domain.ErrBookingConflict
		}
	}

	f.nextRef++
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	f.records[f.nextRef] = copied
	return f.nextRef, nil
}

func (f *fakeCollab) UpdateRecord(_ context.Context, _ string, ref int64, fields map[string]any) error {
	record, ok := f.records[ref]
	if !ok {
		return fmt.Errorf("目标记录 %d 不存在", ref)
	}
	for k, v := range fields {
		record[k] = v
	}
	return nil
}

func (f *fakeCollab) DeleteRecord(_ context.Context, _ string, ref int64) error {
	delete(f.records, ref)
	return nil
}

func (f *fakeCollab) WritableFields(_ context.Context, _ string) ([]string, error) {
	return f.writable, nil
}

func (f *fakeCollab) Adapter(table string) (storage.TableAdapter, bool) {
	return f.registry.Adapter(table)
}

func (f *fakeCollab) ListRanges(_ context.Context, _ string, scopeKey int64, from, until time.Time) ([]conflict.CommittedRange, error) {
	window := domain.TimeRange{Start: from, End: until}
	ranges := []conflict.CommittedRange{}
	for ref, record := range f.records {
		if f.hidden[ref] {
			continue
		}
		scope, _ := f.recordScope(record)
		if scope != scopeKey {
			continue
		}
		if rng, ok := f.recordRange(record); ok && rng.Overlaps(window) {
			ranges = append(ranges, conflict.CommittedRange{Ref: ref, Range: rng})
		}
	}
	return ranges, nil
}

// fakeStore 是 Store 的内存假实现
type fakeStore struct {
	collab     *fakeCollab
	groups     map[int64]*domain.ScheduleGroup
	series     map[int64]*domain.Series
	instances  map[int64]*domain.Instance
	nextGroup  int64
	nextSeries int64
	nextInst   int64
}

func newFakeStore(collab *fakeCollab) *fakeStore {
	return &fakeStore{
		collab:    collab,
		groups:    map[int64]*domain.ScheduleGroup{},
		series:    map[int64]*domain.Series{},
		instances: map[int64]*domain.Instance{},
	}
}

func (s *fakeStore) CreateGroup(_ context.Context, group *domain.ScheduleGroup) error {
	s.nextGroup++
	group.ID = s.nextGroup
	group.CreatedAt = time.Now().UTC()
	s.groups[group.ID] = group
	return nil
}

func (s *fakeStore) GetGroup(_ context.Context, id int64) (*domain.ScheduleGroup, error) {
	group, ok := s.groups[id]
	if !ok {
		return nil, domain.ErrGroupNotFound
	}
	return group, nil
}

func (s *fakeStore) ListGroups(_ context.Context) ([]*domain.ScheduleGroup, error) {
	groups := []*domain.ScheduleGroup{}
	for _, group := range s.groups {
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (s *fakeStore) CountSeriesInGroup(_ context.Context, groupID int64) (int, error) {
	count := 0
	for _, series := range s.series {
		if series.GroupID == groupID {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) DeleteGroup(_ context.Context, id int64) error {
	delete(s.groups, id)
	return nil
}

func (s *fakeStore) CreateSeries(_ context.Context, series *domain.Series) error {
	s.nextSeries++
	series.ID = s.nextSeries
	series.CreatedAt = time.Now().UTC()
	s.series[series.ID] = series
	return nil
}

func (s *fakeStore) GetSeries(_ context.Context, id int64) (*domain.Series, error) {
	series, ok := s.series[id]
	if !ok {
		return nil, domain.ErrSeriesNotFound
	}
	return series, nil
}

func (s *fakeStore) ListSeriesByGroup(_ context.Context, groupID int64) ([]*domain.Series, error) {
	seriesList := []*domain.Series{}
	for _, series := range s.series {
		if series.GroupID == groupID {
			seriesList = append(seriesList, series)
		}
	}
	sort.Slice(seriesList, func(i, j int) bool { return seriesList[i].Version < seriesList[j].Version })
	return seriesList, nil
}

func (s *fakeStore) ListExpandableSeries(_ context.Context, before time.Time) ([]*domain.Series, error) {
	seriesList := []*domain.Series{}
	for _, series := range s.series {
		if series.Status == domain.SeriesStatusActive && series.EffectiveUntil == nil && series.MaterializedThrough.Before(before) {
			seriesList = append(seriesList, series)
		}
	}
	sort.Slice(seriesList, func(i, j int) bool { return seriesList[i].ID < seriesList[j].ID })
	return seriesList, nil
}

func (s *fakeStore) UpdateSeriesStatus(_ context.Context, id int64, status domain.SeriesStatus) error {
	series, ok := s.series[id]
	if !ok {
		return domain.ErrSeriesNotFound
	}
	series.Status = status
	return nil
}

func (s *fakeStore) UpdateSeriesTemplate(_ context.Context, id int64, template map[string]any) error {
	series, ok := s.series[id]
	if !ok {
		return domain.ErrSeriesNotFound
	}
	series.Template = template
	return nil
}

func (s *fakeStore) SetMaterializedThrough(_ context.Context, id int64, through time.Time) error {
	series, ok := s.series[id]
	if !ok {
		return domain.ErrSeriesNotFound
	}
	if through.After(series.MaterializedThrough) {
		series.MaterializedThrough = through
	}
	return nil
}

func (s *fakeStore) SplitSeries(_ context.Context, oldID int64, until time.Time, truncatedRule string, newSeries *domain.Series, repointFrom time.Time) (int64, error) {
	old, ok := s.series[oldID]
	if !ok {
		return 0, domain.ErrSeriesNotFound
	}
	old.EffectiveUntil = &until
	old.Rule = truncatedRule
	old.Status = domain.SeriesStatusEnded

	s.nextSeries++
	newSeries.ID = s.nextSeries
	newSeries.CreatedAt = time.Now().UTC()
	s.series[newSeries.ID] = newSeries

	var repointed int64
	for _, inst := range s.instances {
		if inst.SeriesID == oldID && !inst.OccurrenceDate.Before(repointFrom) {
			inst.SeriesID = newSeries.ID
			repointed++
		}
	}
	return repointed, nil
}

func (s *fakeStore) DeleteSeriesCascade(ctx context.Context, id int64) error {
	for instID, inst := range s.instances {
		if inst.SeriesID != id {
			continue
		}
		if inst.TargetRef != nil {
			if err := s.collab.DeleteRecord(ctx, inst.TargetTable, *inst.TargetRef); err != nil {
				return err
			}
		}
		delete(s.instances, instID)
	}
	delete(s.series, id)
	return nil
}

func (s *fakeStore) GetInstance(_ context.Context, seriesID int64, occurrenceDate time.Time) (*domain.Instance, error) {
	for _, inst := range s.instances {
		if inst.SeriesID == seriesID && inst.OccurrenceDate.Equal(occurrenceDate) {
			return inst, nil
		}
	}
	return nil, domain.ErrInstanceNotFound
}

func (s *fakeStore) GetInstanceByTarget(_ context.Context, table string, ref int64) (*domain.Instance, error) {
	for _, inst := range s.instances {
		if inst.TargetTable == table && inst.TargetRef != nil && *inst.TargetRef == ref {
			return inst, nil
		}
	}
	return nil, domain.ErrInstanceNotFound
}

func (s *fakeStore) ListInstances(_ context.Context, seriesID int64, until time.Time) ([]*domain.Instance, error) {
	instances := []*domain.Instance{}
	for _, inst := range s.instances {
		if inst.SeriesID == seriesID && !inst.OccurrenceDate.After(until) {
			instances = append(instances, inst)
		}
	}
	return instances, nil
}

func (s *fakeStore) ListSeriesInstances(_ context.Context, seriesID int64, skipExceptions bool) ([]*domain.Instance, error) {
	instances := []*domain.Instance{}
	for _, inst := range s.instances {
		if inst.SeriesID != seriesID {
			continue
		}
		if skipExceptions && inst.IsException {
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].OccurrenceDate.Before(instances[j].OccurrenceDate)
	})
	return instances, nil
}

func (s *fakeStore) hasInstance(seriesID int64, occurrenceDate time.Time) bool {
	for _, inst := range s.instances {
		if inst.SeriesID == seriesID && inst.OccurrenceDate.Equal(occurrenceDate) {
			return true
		}
	}
	return false
}

func (s *fakeStore) CreateInstanceWithRecord(ctx context.Context, inst *domain.Instance, fields map[string]any) error {
	if s.hasInstance(inst.SeriesID, inst.OccurrenceDate) {
		return domain.ErrDuplicateInstance
	}

	ref, err := s.collab.CreateRecord(ctx, inst.TargetTable, fields)
	if err != nil {
		return err
	}

	s.nextInst++
	inst.ID = s.nextInst
	inst.TargetRef = &ref
	inst.CreatedAt = time.Now().UTC()
	s.instances[inst.ID] = inst
	return nil
}

func (s *fakeStore) CreateSkippedInstance(_ context.Context, inst *domain.Instance) error {
	if s.hasInstance(inst.SeriesID, inst.OccurrenceDate) {
		return domain.ErrDuplicateInstance
	}

	s.nextInst++
	inst.ID = s.nextInst
	inst.CreatedAt = time.Now().UTC()
	s.instances[inst.ID] = inst
	return nil
}

func (s *fakeStore) DeleteInstanceWithRecord(ctx context.Context, inst *domain.Instance) error {
	if inst.TargetRef != nil {
		if err := s.collab.DeleteRecord(ctx, inst.TargetTable, *inst.TargetRef); err != nil {
			return err
		}
	}
	delete(s.instances, inst.ID)
	return nil
}

func (s *fakeStore) CancelInstance(ctx context.Context, inst *domain.Instance, reason, actor string) error {
	if inst.TargetRef != nil {
		if err := s.collab.DeleteRecord(ctx, inst.TargetTable, *inst.TargetRef); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	inst.TargetRef = nil
	inst.IsException = true
	inst.ExceptionKind = domain.ExceptionCancelled
	inst.ExceptionReason = reason
	inst.ExceptionActor = actor
	inst.ExceptionAt = &now
	return nil
}

func (s *fakeStore) MarkRescheduled(_ context.Context, inst *domain.Instance, newRange domain.TimeRange, actor string) error {
	if inst.TargetRef == nil {
		return domain.ErrInstanceNotFound
	}
	record, ok := s.collab.records[*inst.TargetRef]
	if !ok {
		return domain.ErrInstanceNotFound
	}

	ad := s.collab.registry["bookings"]
	if inst.OriginalStart == nil {
		start := record[ad.StartColumn].(time.Time)
		end := record[ad.EndColumn].(time.Time)
		inst.OriginalStart = &start
		inst.OriginalEnd = &end
	}
	record[ad.StartColumn] = newRange.Start
	record[ad.EndColumn] = newRange.End

	now := time.Now().UTC()
	inst.IsException = true
	inst.ExceptionKind = domain.ExceptionRescheduled
	inst.ExceptionActor = actor
	inst.ExceptionAt = &now
	return nil
}

func (s *fakeStore) MarkModified(ctx context.Context, inst *domain.Instance, fields map[string]any, actor string) error {
	if inst.TargetRef == nil {
		return domain.ErrInstanceNotFound
	}
	if err := s.collab.UpdateRecord(ctx, inst.TargetTable, *inst.TargetRef, fields); err != nil {
		return err
	}

	now := time.Now().UTC()
	inst.IsException = true
	inst.ExceptionKind = domain.ExceptionModified
	inst.ExceptionActor = actor
	inst.ExceptionAt = &now
	return nil
}

type fakePerm struct {
	allow bool
}

func (p *fakePerm) CanWrite(_ context.Context, _ string, _ string) (bool, error) {
	return p.allow, nil
}

type fakeNotifier struct {
	messages []*domain.NotificationMessage
}

func (n *fakeNotifier) Publish(_ context.Context, msg *domain.NotificationMessage) error {
	n.messages = append(n.messages, msg)
	return nil
}

type testEnv struct {
	eng    *Engine
	store  *fakeStore
	collab *fakeCollab
	perm   *fakePerm
	ntf    *fakeNotifier
}

func newTestEnv() *testEnv {
	cfg := &config.Config{}
	cfg.Engine.DefaultHorizonDays = 30
	cfg.Engine.MaxHorizonDays = 365
	cfg.Engine.LookaheadDays = 7
	cfg.Engine.ExtendIncrementDays = 10
	cfg.Engine.MaxOccurrencesPerRun = 500
	cfg.Engine.AllowUnterminatedRules = true
	cfg.Engine.LockTTL = 60

	collab := newFakeCollab()
	store := newFakeStore(collab)
	perm := &fakePerm{allow: true}
	ntf := &fakeNotifier{}

	return &testEnv{
		eng:    New(cfg, store, collab, perm, ntf, lock.NewLocal()),
		store:  store,
		collab: collab,
		perm:   perm,
		ntf:    ntf,
	}
}

// demoRequest 的锚点是今天的 09:00 UTC，配合 COUNT 终止的规则保证
// 所有 occurrence 都落在展开边界内
func demoRequest(rule string) *CreateSeriesRequest {
	now := time.Now().UTC()
	anchor := time.Date(now.Year(), now.Month(), now.Day(), 9, 0, 0, 0, time.UTC)

	return &CreateSeriesRequest{
		GroupName:       "周例会",
		OwnerUsername:   "alice",
		TargetTable:     "bookings",
		Template:        map[string]any{"resource_id": int64(1), "title": "周例会", "created_by": "alice"},
		Rule:            rule,
		Anchor:          anchor,
		DurationSeconds: 3600,
		Timezone:        "UTC",
		ConflictPolicy:  domain.ConflictPolicySkip,
	}
}

// seedBooking 直接在目标表中放一条预订，模拟系列之外的已有记录
func seedBooking(t *testing.T, collab *fakeCollab, resourceID int64, start, end time.Time) int64 {
	t.Helper()

	ref, err := collab.CreateRecord(context.Background(), "bookings", map[string]any{
		"resource_id": resourceID,
		"title":       "已有预订",
		"start_time":  start,
		"end_time":    end,
	})
	require.NoError(t, err)
	return ref
}
