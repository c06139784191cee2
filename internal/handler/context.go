package handler

type ContextKey string

var (
	RoleCtxKey    ContextKey = "role"
	SubCtxKey     ContextKey = "sub"
	MyInfoCtx     ContextKey = "myInfo"
	SeriesInfoCtx ContextKey = "seriesInfo"
	GroupInfoCtx  ContextKey = "groupInfo"
)
