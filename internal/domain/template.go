package domain

import "time"

// FocusTemplate is a named, reusable blocking preset an operator can
// submit as an intent without re-entering bundle identifiers.
type FocusTemplate struct {
	ID             int64     `json:"id,string" form:"id"`
	Name           string    `gorm:"uniqueIndex" json:"name" form:"name"`
	BlockedApps    string    `json:"blocked_apps" form:"blocked_apps"`       // JSON array of bundle identifiers
	BlockedDomains string    `json:"blocked_domains" form:"blocked_domains"` // JSON array of domains
	Remark         string    `json:"remark" form:"remark"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName Specify table name
func (FocusTemplate) TableName() string {
	return "mdm_focus_template"
}
