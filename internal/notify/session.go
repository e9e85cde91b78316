package notify

import "time"

// WhatsAppSession is a pending number verification. A session is consumed
// by a successful code check or replaced by a newer request for the same
// account.
type WhatsAppSession struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index"`
	Number    string    `gorm:"column:number;size:32;not null"`
	Code      string    `gorm:"column:code;size:8;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	Attempts  int       `gorm:"column:attempts;not null;default:0"`
	Verified  bool      `gorm:"column:verified;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName pins the table name.
func (WhatsAppSession) TableName() string {
	return "whatsapp_sessions"
}
