package keys

import (
	"strings"
	"time"
)

// APIKey records one issued credential and its revocation state.
type APIKey struct {
	KeyID      string     `gorm:"column:key_id;primaryKey;size:64;not null" json:"keyId"`
	TenantID   string     `gorm:"column:tenant_id;size:64;not null;index" json:"tenantId"`
	UserID     string     `gorm:"column:user_id;size:190;not null;index" json:"userId"`
	Label      string     `gorm:"column:label;size:190" json:"label,omitempty"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	RevokedAt  *time.Time `gorm:"column:revoked_at" json:"revokedAt,omitempty"`
	LastUsedAt *time.Time `gorm:"column:last_used_at" json:"lastUsedAt,omitempty"`
}

// TableName exposes the table backing issued keys.
func (APIKey) TableName() string {
	return "api_keys"
}

// Revoked reports whether the key has been revoked.
func (k APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
