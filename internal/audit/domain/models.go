package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	ActorTypeAccessToken = "access_token"
	ActorTypeSystem      = "system"
)

// AuditLog records one administrative change. Metadata never carries key
// material or raw access tokens.
type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	ActorType  string            `json:"actor_type" gorm:"column:actor_type"`
	ActorID    *string           `json:"actor_id,omitempty" gorm:"column:actor_id"`
	Action     string            `json:"action" gorm:"column:action"`
	TargetType string            `json:"target_type" gorm:"column:target_type"`
	TargetID   *string           `json:"target_id,omitempty" gorm:"column:target_id"`
	Metadata   datatypes.JSONMap `json:"metadata" gorm:"column:metadata"`
	IPAddress  *string           `json:"ip_address,omitempty" gorm:"column:ip_address"`
	UserAgent  *string           `json:"user_agent,omitempty" gorm:"column:user_agent"`
	CreatedAt  time.Time         `json:"created_at" gorm:"column:created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	ActorID    string
	Before     snowflake.ID
	Limit      int
}
