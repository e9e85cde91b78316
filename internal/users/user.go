package users

import "time"

// User is an account resolved from an external identity provider token.
// ExportCount tracks derived artifacts produced on the free tier; premium
// accounts export without limits.
type User struct {
	ID              string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Provider        string    `gorm:"column:provider;size:64;not null;uniqueIndex:idx_users_identity" json:"-"`
	Subject         string    `gorm:"column:subject;size:190;not null;uniqueIndex:idx_users_identity" json:"-"`
	Email           string    `gorm:"column:email;size:320;not null;index" json:"email"`
	DisplayName     string    `gorm:"column:display_name;size:256" json:"display_name"`
	WhatsAppNumber  string    `gorm:"column:whatsapp_number;size:32" json:"whatsapp_number,omitempty"`
	ExportCount     int       `gorm:"column:export_count;not null;default:0" json:"export_count"`
	IsPremium       bool      `gorm:"column:is_premium;not null;default:false" json:"is_premium"`
	ProcessorCustID string    `gorm:"column:processor_customer_id;size:190" json:"-"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName pins the table name.
func (User) TableName() string {
	return "users"
}
