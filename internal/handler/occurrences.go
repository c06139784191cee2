package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
)

func (h *Handler) CancelOccurrence(w http.ResponseWriter, r *http.Request) {
	myInfo := r.Context().Value(MyInfoCtx).(*domain.User)

	var req struct {
		TargetTable string `json:"targetTable" validate:"required"`
		TargetRef   int64  `json:"targetRef" validate:"required"`
		Reason      string `json:"reason"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	if err := h.engine.CancelOccurrence(r.Context(), req.TargetTable, req.TargetRef, req.Reason, myInfo.Username); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTransition):
			h.errorResponse(w, r, "当前状态下不允许取消")
		default:
			h.internalServerError(w, r, err)
		}
		return
	}

	h.successResponse(w, r, "取消成功", nil)
}

func (h *Handler) RescheduleOccurrence(w http.ResponseWriter, r *http.Request) {
	myInfo := r.Context().Value(MyInfoCtx).(*domain.User)

	var req struct {
		TargetTable string    `json:"targetTable" validate:"required"`
		TargetRef   int64     `json:"targetRef" validate:"required"`
		NewStart    time.Time `json:"newStart" validate:"required"`
		NewEnd      time.Time `json:"newEnd" validate:"required"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	newRange := domain.TimeRange{Start: req.NewStart, End: req.NewEnd}
	if err := h.engine.RescheduleOccurrence(r.Context(), req.TargetTable, req.TargetRef, newRange, myInfo.Username); err != nil {
		switch {
		case errors.Is(err, domain.ErrInstanceNotFound):
			h.errorResponse(w, r, "该记录不属于任何系列")
		case errors.Is(err, domain.ErrInvalidTransition):
			h.errorResponse(w, r, "当前状态下不允许改期")
		case errors.Is(err, domain.ErrBookingConflict):
			h.errorResponse(w, r, "改期后的时间段与已有预订冲突")
		default:
			h.badRequest(w, r, err)
		}
		return
	}

	h.successResponse(w, r, "改期成功", nil)
}

func (h *Handler) UpdateOccurrence(w http.ResponseWriter, r *http.Request) {
	myInfo := r.Context().Value(MyInfoCtx).(*domain.User)

	var req struct {
		TargetTable string         `json:"targetTable" validate:"required"`
		TargetRef   int64          `json:"targetRef" validate:"required"`
		Fields      map[string]any `json:"fields" validate:"required"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	if err := h.engine.UpdateOccurrence(r.Context(), req.TargetTable, req.TargetRef, req.Fields, myInfo.Username); err != nil {
		switch {
		case errors.Is(err, domain.ErrInstanceNotFound):
			h.errorResponse(w, r, "该记录不属于任何系列")
		case errors.Is(err, domain.ErrInvalidTransition):
			h.errorResponse(w, r, "当前状态下不允许编辑")
		default:
			h.badRequest(w, r, err)
		}
		return
	}

	h.successResponse(w, r, "编辑成功", nil)
}
