package models

import "github.com/google/uuid"

// MaxEntityNameLength bounds organization and collection names, which are
// mirrored onto their tree nodes.
const MaxEntityNameLength = 255

type Organization struct {
	BaseModel
	Name       string     `json:"name" gorm:"type:varchar(255);uniqueIndex;not null"`
	QuotaBytes int64      `json:"quotaBytes" gorm:"not null"`
	TreeNodeID *uuid.UUID `json:"treeNodeID,omitempty" gorm:"type:uuid;uniqueIndex"`
}

type Collection struct {
	BaseModel
	Name           string     `json:"name" gorm:"type:varchar(255);not null;uniqueIndex:idx_collections_org_name"`
	OrganizationID uuid.UUID  `json:"organizationID" gorm:"type:uuid;not null;uniqueIndex:idx_collections_org_name"`
	TreeNodeID     *uuid.UUID `json:"treeNodeID,omitempty" gorm:"type:uuid;uniqueIndex"`
}

// User is the local projection of an account managed by the external
// identity service. Only the organization scope matters to the vault.
type User struct {
	BaseModel
	Username       string     `json:"username" gorm:"type:varchar(150);uniqueIndex;not null"`
	Email          string     `json:"email" gorm:"type:varchar(255)"`
	OrganizationID *uuid.UUID `json:"organizationID,omitempty" gorm:"type:uuid;index"`
}
