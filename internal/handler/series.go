package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/engine"
)

func (h *Handler) CreateSeries(w http.ResponseWriter, r *http.Request) {
	myInfo := r.Context().Value(MyInfoCtx).(*domain.User)

	var req struct {
		GroupName        string         `json:"groupName" validate:"required"`
		GroupDescription string         `json:"groupDescription"`
		GroupColor       string         `json:"groupColor"`
		TargetTable      string         `json:"targetTable" validate:"required"`
		Template         map[string]any `json:"template" validate:"required"`
		Rule             string         `json:"rule" validate:"required"`
		Anchor           time.Time      `json:"anchor" validate:"required"`
		DurationSeconds  int64          `json:"durationSeconds" validate:"required,gt=0"`
		Timezone         string         `json:"timezone" validate:"required"`
		ConflictPolicy   string         `json:"conflictPolicy" validate:"required,oneof=skip abort"`
		HorizonDays      int            `json:"horizonDays"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	result, err := h.engine.CreateSeries(r.Context(), &engine.CreateSeriesRequest{
		GroupName:        req.GroupName,
		GroupDescription: req.GroupDescription,
		GroupColor:       req.GroupColor,
		OwnerUsername:    myInfo.Username,
		TargetTable:      req.TargetTable,
		Template:         req.Template,
		Rule:             req.Rule,
		Anchor:           req.Anchor,
		DurationSeconds:  req.DurationSeconds,
		Timezone:         req.Timezone,
		ConflictPolicy:   domain.ConflictPolicy(req.ConflictPolicy),
		HorizonDays:      req.HorizonDays,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrBookingConflict):
			h.errorResponse(w, r, "存在时间冲突，系列未创建")
		default:
			h.badRequest(w, r, err)
		}
		return
	}

	h.successResponse(w, r, "创建系列成功", result)
}

func (h *Handler) GetSeries(w http.ResponseWriter, r *http.Request) {
	series := r.Context().Value(SeriesInfoCtx).(*domain.Series)

	h.successResponse(w, r, "获取系列成功", series)
}

func (h *Handler) ListSeriesInstances(w http.ResponseWriter, r *http.Request) {
	series := r.Context().Value(SeriesInfoCtx).(*domain.Series)

	until, err := parseUntil(r, time.Now().UTC().AddDate(0, 0, h.config.Engine.LookaheadDays))
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	instances, err := h.engine.ListInstances(r.Context(), series.ID, until)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	h.successResponse(w, r, "获取系列实例成功", instances)
}

func (h *Handler) ExpandSeries(w http.ResponseWriter, r *http.Request) {
	series := r.Context().Value(SeriesInfoCtx).(*domain.Series)

	var req struct {
		Until time.Time `json:"until" validate:"required"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	created, err := h.engine.ExtendSeries(r.Context(), series.ID, req.Until)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrBookingConflict):
			h.errorResponse(w, r, "存在时间冲突，本次扩展已整体取消")
		default:
			h.internalServerError(w, r, err)
		}
		return
	}

	h.successResponse(w, r, "扩展系列成功", map[string]any{"created": created})
}

func (h *Handler) SplitSeries(w http.ResponseWriter, r *http.Request) {
	series := r.Context().Value(SeriesInfoCtx).(*domain.Series)

	var req struct {
		SplitDate   time.Time      `json:"splitDate" validate:"required"`
		NewRule     string         `json:"newRule"`
		NewAnchor   *time.Time     `json:"newAnchor"`
		NewTemplate map[string]any `json:"newTemplate"`
		NewDuration *int64         `json:"newDurationSeconds"`
		// 为 true 时把新模板传播到改挂过来的非异常 instance
		PropagateFields bool `json:"propagateFields"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	result, err := h.engine.SplitFromDate(r.Context(), &engine.SplitSeriesRequest{
		SeriesID:        series.ID,
		SplitDate:       req.SplitDate,
		NewRule:         req.NewRule,
		NewAnchor:       req.NewAnchor,
		NewTemplate:     req.NewTemplate,
		NewDuration:     req.NewDuration,
		PropagateFields: req.PropagateFields,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSeriesLocked):
			h.errorResponse(w, r, "系列正在被其他操作占用，请稍后重试")
		default:
			h.badRequest(w, r, err)
		}
		return
	}

	h.successResponse(w, r, "拆分系列成功", result)
}

func (h *Handler) UpdateSeriesTemplate(w http.ResponseWriter, r *http.Request) {
	series := r.Context().Value(SeriesInfoCtx).(*domain.Series)

	var req struct {
		Template map[string]any `json:"template" validate:"required"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	updated, err := h.engine.UpdateTemplate(r.Context(), series.ID, req.Template)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSeriesLocked):
			h.errorResponse(w, r, "系列正在被其他操作占用，请稍后重试")
		default:
			h.badRequest(w, r, err)
		}
		return
	}

	h.successResponse(w, r, "更新模板成功", map[string]any{"updated": updated})
}

func (h *Handler) UpdateSeriesStatus(w http.ResponseWriter, r *http.Request) {
	series := r.Context().Value(SeriesInfoCtx).(*domain.Series)

	var req struct {
		Status string `json:"status" validate:"required,oneof=active paused"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	if err := h.engine.SetSeriesStatus(r.Context(), series.ID, domain.SeriesStatus(req.Status)); err != nil {
		h.badRequest(w, r, err)
		return
	}

	h.successResponse(w, r, "更新系列状态成功", nil)
}

func (h *Handler) DeleteSeries(w http.ResponseWriter, r *http.Request) {
	series := r.Context().Value(SeriesInfoCtx).(*domain.Series)

	if err := h.engine.DeleteSeries(r.Context(), series.ID); err != nil {
		switch {
		case errors.Is(err, domain.ErrSeriesLocked):
			h.errorResponse(w, r, "系列正在被其他操作占用，请稍后重试")
		default:
			h.internalServerError(w, r, err)
		}
		return
	}

	h.successResponse(w, r, "删除系列成功", nil)
}

// parseUntil 解析 ?until= 查询参数，缺省时使用 fallback
func parseUntil(r *http.Request, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get("until")
	if raw == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, raw)
}
