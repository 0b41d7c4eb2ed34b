package models

import "time"

// ContractStatus represents the lifecycle state of a contract.
type ContractStatus string

const (
	ContractStatusDraft     ContractStatus = "draft"
	ContractStatusReviewing ContractStatus = "reviewing"
	ContractStatusReviewed  ContractStatus = "reviewed"
	ContractStatusApproved  ContractStatus = "approved"
	ContractStatusRejected  ContractStatus = "rejected"
	ContractStatusSigned    ContractStatus = "signed"
)

// ContractType represents the kind of contract under review.
type ContractType string

const (
	ContractTypeProcurement ContractType = "procurement"
	ContractTypeSales       ContractType = "sales"
	ContractTypeLabor       ContractType = "labor"
	ContractTypeService     ContractType = "service"
)

// Contract is a contract under review. The engine only reads/writes the
// fields below; drafting, templates, and file storage live elsewhere.
type Contract struct {
	ID             string
	ContractNo     string
	Title          string
	Type           ContractType
	Industry       string
	Status         ContractStatus
	Content        string // extracted contract text
	DrafterID      string
	CurrentVersion int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ContractVersion is an immutable snapshot of a contract taken at
// resubmission time.
type ContractVersion struct {
	ID            string
	ContractID    string
	Version       int
	Content       string
	ChangeSummary string
	ChangedBy     string
	CreatedAt     time.Time
}
