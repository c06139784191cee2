package handler

import (
	"net/http"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
)

// PreviewConflicts 是注册系列之前的只读预检：对一批候选时间段
// 返回每一段是否与已有记录冲突，不产生任何写入
func (h *Handler) PreviewConflicts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetTable string `json:"targetTable" validate:"required"`
		ScopeKey    int64  `json:"scopeKey" validate:"required"`
		Candidates  []struct {
			Start time.Time `json:"start" validate:"required"`
			End   time.Time `json:"end" validate:"required"`
		} `json:"candidates" validate:"required,min=1,dive"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	candidates := make([]domain.TimeRange, len(req.Candidates))
	for i, c := range req.Candidates {
		candidates[i] = domain.TimeRange{Start: c.Start, End: c.End}
	}

	results, err := h.engine.PreviewConflicts(r.Context(), req.TargetTable, req.ScopeKey, candidates)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	h.successResponse(w, r, "冲突预检完成", results)
}
