// internal/model/recipient.go
package model

import "time"

// RecipientFilter is a declarative predicate over the users table.
// Every present field is AND-ed; omitted fields impose no constraint.
// Date bounds are exclusive (> after, < before).
type RecipientFilter struct {
	Role            *string    `json:"role,omitempty"`
	IsVerified      *bool      `json:"is_verified,omitempty"`
	CreatedAfter    *time.Time `json:"created_after,omitempty"`
	CreatedBefore   *time.Time `json:"created_before,omitempty"`
	LastLoginAfter  *time.Time `json:"last_login_after,omitempty"`
	LastLoginBefore *time.Time `json:"last_login_before,omitempty"`
	HasListings     *bool      `json:"has_listings,omitempty"`
	UserIDs         []string   `json:"user_ids,omitempty"`
	CategoryIDs     []string   `json:"category_ids,omitempty"`
}

// Recipient is a read-only projection of a notifiable user.
// Push device tokens are looked up separately at send time.
type Recipient struct {
	ID    string `db:"id" json:"id"`
	Email string `db:"email" json:"email,omitempty"`
	Name  string `db:"name" json:"name,omitempty"`
	Phone string `db:"phone" json:"phone,omitempty"`
}
