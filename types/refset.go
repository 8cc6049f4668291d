package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// RefsetVersion is one row of a refset's version lineage. Only the draft
// (VersionDate == InDevelopment) is ever mutated.
type RefsetVersion struct {
	InternalID           VersionID      `json:"internalId"`
	RefsetID             RefsetID       `json:"refsetId"`
	Name                 string         `json:"name"`
	VersionDate          string         `json:"versionDate"`
	WorkflowStatus       WorkflowStatus `json:"workflowStatus"`
	WorkflowType         WorkflowType   `json:"workflowType"`
	DefinitionType       DefinitionType `json:"definitionType"`
	Definition           Definition     `json:"definition"`
	MemberCount          int            `json:"memberCount"`
	IsPrivate            bool           `json:"isPrivate"`
	BasedOnLatestVersion bool           `json:"basedOnLatestVersion"`
	ProjectID            ProjectID      `json:"projectId"`
	Branch               string         `json:"branch"`
	ModuleID             string         `json:"moduleId"`
	ClonedFrom           VersionID      `json:"clonedFrom,omitempty"`
	Finishers            []string       `json:"finishers,omitempty"`
	BaselineFingerprint  string         `json:"baselineFingerprint,omitempty"`
	Created              time.Time      `json:"created"`
	LastModified         time.Time      `json:"lastModified"`
	LastModifiedBy       string         `json:"lastModifiedBy"`
}

func (v *RefsetVersion) IsDraft() bool {
	return v.VersionDate == InDevelopment
}

// Clone returns a deep copy.
func (v *RefsetVersion) Clone() *RefsetVersion {
	if v == nil {
		return nil
	}
	c := *v
	c.Definition = v.Definition.Clone()
	if v.Finishers != nil {
		c.Finishers = append([]string(nil), v.Finishers...)
	}
	return &c
}

// RefsetMember is extensional truth for one version.
type RefsetMember struct {
	ConceptCode      string     `json:"conceptCode"`
	RefsetInternalID VersionID  `json:"refsetInternalId"`
	Active           bool       `json:"active"`
	ModuleID         string     `json:"moduleId"`
	Provenance       Provenance `json:"provenance"`
	LastModified     time.Time  `json:"lastModified"`
}

// WorkflowHistory is append-only.
type WorkflowHistory struct {
	ID        string         `json:"id"`
	RefsetID  RefsetID       `json:"refsetId"`
	VersionID VersionID      `json:"versionId"`
	Action    WorkflowAction `json:"action"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	Notes     string         `json:"notes,omitempty"`
	From      WorkflowStatus `json:"from,omitempty"`
	To        WorkflowStatus `json:"to,omitempty"`
}

// PageRequest carries paging, filtering and sorting (pfs) for finds.
type PageRequest struct {
	Offset    int
	Limit     int
	SortField string // "name", "versionDate", "lastModified"; defaults to internal id
	Ascending bool
}

// VersionQuery filters RefsetVersion finds. Zero fields match everything.
type VersionQuery struct {
	RefsetID  RefsetID
	ProjectID ProjectID
	Status    WorkflowStatus
	DraftOnly bool
	Page      PageRequest
}

// Fingerprint hashes a set of codes independently of order.
func Fingerprint(codes []string) string {
	sorted := append([]string(nil), codes...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, c := range sorted {
		h.Write([]byte(c))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ActiveCodes returns the sorted codes of the active members.
func ActiveCodes(members []RefsetMember) []string {
	codes := make([]string, 0, len(members))
	for _, m := range members {
		if m.Active {
			codes = append(codes, m.ConceptCode)
		}
	}
	sort.Strings(codes)
	return codes
}
