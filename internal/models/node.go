package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NodeType string

const (
	NodeTypeOrganization NodeType = "ORGANIZATION"
	NodeTypeCollection   NodeType = "COLLECTION"
	NodeTypeFolder       NodeType = "FOLDER"
	NodeTypeFile         NodeType = "FILE"
)

// PathSeparator joins the ancestor ids of a node's materialized path.
const PathSeparator = "."

var allowedParents = map[NodeType][]NodeType{
	NodeTypeOrganization: nil,
	NodeTypeCollection:   {NodeTypeOrganization},
	NodeTypeFolder:       {NodeTypeCollection, NodeTypeFolder},
	NodeTypeFile:         {NodeTypeCollection, NodeTypeFolder},
}

func (t NodeType) Valid() bool {
	_, ok := allowedParents[t]
	return ok
}

func (t NodeType) IsContainer() bool {
	return t != NodeTypeFile
}

// Deletable reports whether end users may soft delete nodes of this type.
func (t NodeType) Deletable() bool {
	return t == NodeTypeFolder || t == NodeTypeFile
}

// AllowsParent reports whether a node of type t may live under a node of
// type parent. ORGANIZATION nodes accept no parent at all.
func (t NodeType) AllowsParent(parent NodeType) bool {
	for _, candidate := range allowedParents[t] {
		if candidate == parent {
			return true
		}
	}
	return false
}

// Node is a vertex of the preservation tree. Containers carry derived
// size/file_count aggregates maintained by the accounting engine; FILE nodes
// carry the authoritative size and always count as one file.
type Node struct {
	BaseModel
	NodeType             NodeType       `json:"nodeType" gorm:"type:varchar(20);not null;index"`
	ParentID             *uuid.UUID     `json:"parentID,omitempty" gorm:"type:uuid;index"`
	Path                 string         `json:"path" gorm:"type:text;not null;index"`
	Name                 string         `json:"name" gorm:"type:varchar(1024);not null"`
	Size                 int64          `json:"size" gorm:"not null;default:0"`
	FileCount            int64          `json:"fileCount" gorm:"not null;default:0"`
	MD5Sum               *string        `json:"md5Sum,omitempty" gorm:"column:md5_sum;type:varchar(32)"`
	SHA1Sum              *string        `json:"sha1Sum,omitempty" gorm:"column:sha1_sum;type:varchar(40)"`
	SHA256Sum            *string        `json:"sha256Sum,omitempty" gorm:"column:sha256_sum;type:varchar(64);index"`
	FileType             string         `json:"fileType,omitempty" gorm:"type:varchar(255)"`
	ContentPath          *string        `json:"-" gorm:"type:text"`
	UploadedAt           *time.Time     `json:"uploadedAt,omitempty"`
	PreDepositModifiedAt *time.Time     `json:"preDepositModifiedAt,omitempty"`
	UploadedByID         *uuid.UUID     `json:"uploadedByID,omitempty" gorm:"type:uuid;index"`
	Comment              *string        `json:"comment,omitempty" gorm:"type:text"`
	Deleted              bool           `json:"deleted" gorm:"not null;default:false;index"`
	DeletedAt            gorm.DeletedAt `json:"deletedAt,omitempty" gorm:"index"`
}

func (Node) TableName() string {
	return "nodes"
}

func (n *Node) IsContainer() bool {
	return n.NodeType.IsContainer()
}

// PathIDs returns the components of the materialized path, root first,
// ending with the node's own id.
func (n *Node) PathIDs() []string {
	return SplitPath(n.Path)
}

// AncestorIDs returns the strict ancestors of the node, root first.
func (n *Node) AncestorIDs() ([]uuid.UUID, error) {
	components := n.PathIDs()
	if len(components) == 0 {
		return nil, fmt.Errorf("node %s has an empty path", n.ID)
	}
	ids := make([]uuid.UUID, 0, len(components)-1)
	for _, component := range components[:len(components)-1] {
		id, err := uuid.Parse(component)
		if err != nil {
			return nil, fmt.Errorf("node %s has malformed path component %q: %w", n.ID, component, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IsWithin reports whether the node is other or one of its descendants.
func (n *Node) IsWithin(other *Node) bool {
	return n.Path == other.Path || strings.HasPrefix(n.Path, other.Path+PathSeparator)
}

func ChildPath(parentPath string, id uuid.UUID) string {
	if parentPath == "" {
		return id.String()
	}
	return parentPath + PathSeparator + id.String()
}

func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, PathSeparator)
}
