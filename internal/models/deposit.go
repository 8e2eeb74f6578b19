package models

import (
	"time"

	"github.com/google/uuid"
)

type DepositState string

const (
	DepositStateRegistered         DepositState = "REGISTERED"
	DepositStateUploaded           DepositState = "UPLOADED"
	DepositStateHashed             DepositState = "HASHED"
	DepositStateReplicated         DepositState = "REPLICATED"
	DepositStateCompleteWithErrors DepositState = "COMPLETE_WITH_ERRORS"
)

type DepositFileState string

const (
	DepositFileStateRegistered DepositFileState = "REGISTERED"
	DepositFileStateUploaded   DepositFileState = "UPLOADED"
	DepositFileStateHashed     DepositFileState = "HASHED"
	DepositFileStateReplicated DepositFileState = "REPLICATED"
	DepositFileStateError      DepositFileState = "ERROR"
)

// Deposit batches the files one user submitted together into one parent
// node. Its state is derived from the states of its files.
type Deposit struct {
	BaseModel
	OrganizationID uuid.UUID    `json:"organizationID" gorm:"type:uuid;not null;index"`
	CollectionID   uuid.UUID    `json:"collectionID" gorm:"type:uuid;not null;index"`
	ParentNodeID   uuid.UUID    `json:"parentNodeID" gorm:"type:uuid;not null"`
	UserID         uuid.UUID    `json:"userID" gorm:"type:uuid;not null;index"`
	State          DepositState `json:"state" gorm:"type:varchar(30);not null;default:'REGISTERED';index"`
	RegisteredAt   time.Time    `json:"registeredAt" gorm:"not null"`
	UploadedAt     *time.Time   `json:"uploadedAt,omitempty"`
	HashedAt       *time.Time   `json:"hashedAt,omitempty"`
	ReplicatedAt   *time.Time   `json:"replicatedAt,omitempty"`
}

type DepositFile struct {
	BaseModel
	DepositID            uuid.UUID        `json:"depositID" gorm:"type:uuid;not null;index"`
	FlowIdentifier       string           `json:"flowIdentifier" gorm:"type:varchar(255);uniqueIndex;not null"`
	Name                 string           `json:"name" gorm:"type:varchar(1024);not null"`
	RelativePath         string           `json:"relativePath" gorm:"type:text;not null"`
	Size                 int64            `json:"size" gorm:"not null"`
	Type                 string           `json:"type" gorm:"type:varchar(255)"`
	PreDepositModifiedAt *time.Time       `json:"preDepositModifiedAt,omitempty"`
	State                DepositFileState `json:"state" gorm:"type:varchar(20);not null;default:'REGISTERED';index"`
	TotalChunks          int              `json:"totalChunks" gorm:"not null;default:0"`
	MD5Sum               *string          `json:"md5Sum,omitempty" gorm:"column:md5_sum;type:varchar(32)"`
	SHA1Sum              *string          `json:"sha1Sum,omitempty" gorm:"column:sha1_sum;type:varchar(40)"`
	SHA256Sum            *string          `json:"sha256Sum,omitempty" gorm:"column:sha256_sum;type:varchar(64)"`
	ContentPath          *string          `json:"-" gorm:"type:text"`
	TreeNodeID           *uuid.UUID       `json:"treeNodeID,omitempty" gorm:"type:uuid;index"`
	ErrorMessage         *string          `json:"errorMessage,omitempty" gorm:"type:text"`
	RegisteredAt         time.Time        `json:"registeredAt" gorm:"not null"`
	UploadedAt           *time.Time       `json:"uploadedAt,omitempty"`
	HashedAt             *time.Time       `json:"hashedAt,omitempty"`
	ReplicatedAt         *time.Time       `json:"replicatedAt,omitempty"`
}

// DepositChunk records that a chunk was received by some node. Chunk bytes
// stay node-local; this table is what lets any node decide that a flow has
// been completely uploaded.
type DepositChunk struct {
	FlowIdentifier string    `json:"flowIdentifier" gorm:"type:varchar(255);primaryKey"`
	ChunkNumber    int       `json:"chunkNumber" gorm:"primaryKey;autoIncrement:false"`
	Size           int64     `json:"size" gorm:"not null"`
	ReceivedAt     time.Time `json:"receivedAt" gorm:"not null"`
}
