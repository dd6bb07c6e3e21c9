package schema

import "time"

// CRMUser mirrors the CRM user table; the aggregate view resolves an
// account's assigned agent name from it.
type CRMUser struct {
	UserID       string     `gorm:"column:user_id;primaryKey;type:text"`
	FirstName    *string    `gorm:"column:first_name;type:text"`
	LastName     *string    `gorm:"column:last_name;type:text"`
	Email        *string    `gorm:"column:email;type:text"`
	Status       *string    `gorm:"column:status;type:text"`
	Deleted      bool       `gorm:"column:deleted;not null;default:false"`
	ModifiedTime *time.Time `gorm:"column:modified_time;index:ix_crm_users_modified_time"`
}

// TableName specifies the table name for the CRMUser model
func (CRMUser) TableName() string {
	return "crm_users"
}
