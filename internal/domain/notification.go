package domain

// NotificationMessage 是投递到通知队列的消息，To 是系列所有者的用户名，
// 由消费者（cmd/notify）解析为邮箱地址
type NotificationMessage struct {
	Type string `json:"type"`
	To   string `json:"to"`
	Data any    `json:"data"`
}

const (
	NotificationSchemaDrift    = "schema_drift"
	NotificationPermissionLost = "permission_lost"
)

type SchemaDriftData struct {
	SeriesID      int64    `json:"seriesID"`
	GroupName     string   `json:"groupName"`
	TargetTable   string   `json:"targetTable"`
	MissingFields []string `json:"missingFields"`
}

type PermissionLostData struct {
	SeriesID    int64  `json:"seriesID"`
	GroupName   string `json:"groupName"`
	TargetTable string `json:"targetTable"`
}
