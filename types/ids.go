package types

import "github.com/google/uuid"

// RefsetID is the logical refset identity, stable across versions.
type RefsetID string

func (id RefsetID) String() string {
	return string(id)
}

// VersionID is the internal id of one refset version.
type VersionID string

var NoVersionID = VersionID("")

func (id VersionID) String() string {
	return string(id)
}

func NewVersionID() VersionID {
	return VersionID(uuid.NewString())
}

type ProjectID string

// InDevelopment is the version date sentinel carried by the draft.
const InDevelopment = "IN_DEVELOPMENT"

// VersionDateLayout is the layout of a published version date.
const VersionDateLayout = "2006-01-02"
