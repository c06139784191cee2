package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
)

func (h *Handler) GetAllGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.engine.ListGroups(r.Context())
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	h.successResponse(w, r, "获取所有日程组成功", groups)
}

func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	group := r.Context().Value(GroupInfoCtx).(*domain.ScheduleGroup)

	seriesList, err := h.engine.ListSeriesByGroup(r.Context(), group.ID)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	h.successResponse(w, r, "获取日程组成功", map[string]any{
		"group":  group,
		"series": seriesList,
	})
}

// GetGroupTimeline 把 group 下所有版本的实例合并为一条时间线返回，
// 拆分的痕迹对前端不可见
func (h *Handler) GetGroupTimeline(w http.ResponseWriter, r *http.Request) {
	group := r.Context().Value(GroupInfoCtx).(*domain.ScheduleGroup)

	until, err := parseUntil(r, time.Now().UTC().AddDate(0, 0, h.config.Engine.LookaheadDays))
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	timeline, err := h.engine.ListGroupTimeline(r.Context(), group.ID, until)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	h.successResponse(w, r, "获取日程组时间线成功", timeline)
}

func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	group := r.Context().Value(GroupInfoCtx).(*domain.ScheduleGroup)

	if err := h.engine.DeleteGroup(r.Context(), group.ID); err != nil {
		switch {
		case errors.Is(err, domain.ErrSeriesLocked):
			h.errorResponse(w, r, "日程组正在被其他操作占用，请稍后重试")
		default:
			h.internalServerError(w, r, err)
		}
		return
	}

	h.successResponse(w, r, "删除日程组成功", nil)
}
