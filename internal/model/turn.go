package model

import "time"

// Role identifies who produced a Turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// Category is one of the five fixed life-problem topics.
//
// The values are the exact strings used in URLs and stored in chat_history,
// so they must never be renamed without a data migration.
type Category string

const (
	CategoryTrauma     Category = "Trauma"
	CategoryEkonomi    Category = "Ekonomi"
	CategorySosial     Category = "Sosial"
	CategoryPercintaan Category = "Percintaan"
	CategoryKeluarga   Category = "Keluarga"
)

// CategoryInfo pairs a category with the short description shown on the
// category selection screen.
type CategoryInfo struct {
	ID          Category `json:"id"`
	Description string   `json:"description"`
}

// Categories lists every category in display order.
var Categories = []CategoryInfo{
	{ID: CategoryTrauma, Description: "Berdamai dengan masa lalu yang membekas."},
	{ID: CategoryEkonomi, Description: "Menemukan ketenangan di tengah tantangan finansial."},
	{ID: CategorySosial, Description: "Membangun koneksi yang sehat dengan lingkungan."},
	{ID: CategoryPercintaan, Description: "Memahami hati dan dinamika hubungan asmara."},
	{ID: CategoryKeluarga, Description: "Menyembuhkan akar dan memperkuat ikatan rumah."},
}

// Valid reports whether c is one of the five known categories.
func (c Category) Valid() bool {
	for _, info := range Categories {
		if info.ID == c {
			return true
		}
	}
	return false
}

// Turn is one role-tagged message in a conversation.
//
// Turns are immutable once written. ID is the autoincrement row id and
// defines conversation order; CreatedAt is informational.
type Turn struct {
	ID        int64     `json:"-"`
	UserID    string    `json:"-"`
	Category  Category  `json:"-"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"-"`
}
