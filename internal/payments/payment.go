package payments

import "time"

// Payment is one settled premium upgrade charge.
type Payment struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index" json:"user_id"`
	IntentID    string    `gorm:"column:intent_id;size:190;not null;uniqueIndex" json:"intent_id"`
	AmountCents int64     `gorm:"column:amount_cents;not null" json:"amount_cents"`
	Currency    string    `gorm:"column:currency;size:8;not null" json:"currency"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName pins the table name.
func (Payment) TableName() string {
	return "payments"
}
