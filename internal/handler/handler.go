package handler

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	zh_translations "github.com/go-playground/validator/v10/translations/zh"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/config"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/engine"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/repository"
)

type Handler struct {
	validate   *validator.Validate
	config     *config.Config
	repository *repository.Repository
	engine     *engine.Engine
	translator ut.Translator

	Mux *chi.Mux
}

func NewHandler(cfg *config.Config, repo *repository.Repository, eng *engine.Engine) (*Handler, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	zh := zh.New()
	uni := ut.New(zh, zh)
	trans, _ := uni.GetTranslator("zh")
	if err := zh_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		return nil, err
	}

	return &Handler{
		validate:   validate,
		config:     cfg,
		repository: repo,
		engine:     eng,
		translator: trans,

		Mux: chi.NewRouter(),
	}, nil
}

func (h *Handler) RegisterRoutes() {
	h.Mux.Use(h.logger)
	h.Mux.Use(h.recoverer)

	// 认证相关
	h.Mux.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
	})

	// 以下 API 必须要在登录后才允许调用
	h.Mux.Group(func(r chi.Router) {
		r.Use(h.auth)

		r.Route("/my-info", func(r chi.Router) {
			r.Use(h.myInfo)
			r.Get("/", h.GetMyInfo)
		})

		r.Route("/users", func(r chi.Router) {
			r.With(h.RequiredRole([]domain.Role{domain.RoleAdmin})).Post("/", h.CreateUser)
			r.Get("/", h.GetAllUserInfo)
		})

		r.Route("/series", func(r chi.Router) {
			r.Use(h.myInfo)
			r.Post("/", h.CreateSeries)
			r.Route("/{id}", func(r chi.Router) {
				r.Use(h.seriesInfo)
				r.Get("/", h.GetSeries)
				r.Get("/instances", h.ListSeriesInstances)
				r.Post("/expand", h.ExpandSeries)
				r.Post("/split", h.SplitSeries)
				r.Patch("/template", h.UpdateSeriesTemplate)
				r.Patch("/status", h.UpdateSeriesStatus)
				r.Delete("/", h.DeleteSeries)
			})
		})

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", h.GetAllGroups)
			r.Route("/{id}", func(r chi.Router) {
				r.Use(h.groupInfo)
				r.Get("/", h.GetGroup)
				r.Get("/timeline", h.GetGroupTimeline)
				r.Delete("/", h.DeleteGroup)
			})
		})

		r.Post("/conflicts/preview", h.PreviewConflicts)

		r.Route("/occurrences", func(r chi.Router) {
			r.Use(h.myInfo)
			r.Post("/cancel", h.CancelOccurrence)
			r.Post("/reschedule", h.RescheduleOccurrence)
			r.Patch("/", h.UpdateOccurrence)
		})
	})
}
