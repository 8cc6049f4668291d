package types

import "fmt"

// WorkflowStatus is the lifecycle state of one refset version.
type WorkflowStatus string

const (
	StatusInDevelopment       WorkflowStatus = "IN_DEVELOPMENT"
	StatusReadyForEdit        WorkflowStatus = "READY_FOR_EDIT"
	StatusEditing             WorkflowStatus = "EDITING"
	StatusConflictReview      WorkflowStatus = "CONFLICT_REVIEW"
	StatusLeadReview          WorkflowStatus = "LEAD_REVIEW"
	StatusFailsRVF            WorkflowStatus = "FAILS_RVF"
	StatusReadyForPublication WorkflowStatus = "READY_FOR_PUBLICATION"
	StatusPublished           WorkflowStatus = "PUBLISHED"
)

func WorkflowStatusValues() []WorkflowStatus {
	return []WorkflowStatus{
		StatusInDevelopment,
		StatusReadyForEdit,
		StatusEditing,
		StatusConflictReview,
		StatusLeadReview,
		StatusFailsRVF,
		StatusReadyForPublication,
		StatusPublished,
	}
}

func (s WorkflowStatus) String() string {
	return string(s)
}

// Editable reports whether members and definitions of a draft in this state may change.
func (s WorkflowStatus) Editable() bool {
	return s == StatusInDevelopment || s == StatusEditing
}

// WorkflowType selects which branch states are reachable.
type WorkflowType string

const (
	WorkflowSimplePath            WorkflowType = "SIMPLE_PATH"
	WorkflowLegacyPath            WorkflowType = "LEGACY_PATH"
	WorkflowConflictProject       WorkflowType = "CONFLICT_PROJECT"
	WorkflowReviewProject         WorkflowType = "REVIEW_PROJECT"
	WorkflowConflictAndReviewPath WorkflowType = "CONFLICT_AND_REVIEW_PATH"
	WorkflowConditionalReviewPath WorkflowType = "CONDITIONAL_REVIEW_PATH"
)

func WorkflowTypeValues() []WorkflowType {
	return []WorkflowType{
		WorkflowSimplePath,
		WorkflowLegacyPath,
		WorkflowConflictProject,
		WorkflowReviewProject,
		WorkflowConflictAndReviewPath,
		WorkflowConditionalReviewPath,
	}
}

func ParseWorkflowType(s string) (WorkflowType, error) {
	for _, v := range WorkflowTypeValues() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: unknown workflow type %q", ErrValidation, s)
}

// WorkflowAction is a trigger of the workflow state machine.
type WorkflowAction string

const (
	ActionEdit            WorkflowAction = "EDIT"
	ActionCancelEdit      WorkflowAction = "CANCEL_EDIT"
	ActionFinishEdit      WorkflowAction = "FINISH_EDIT"
	ActionRequestReview   WorkflowAction = "REQUEST_REVIEW"
	ActionResolveConflict WorkflowAction = "RESOLVE_CONFLICT"
	ActionApprove         WorkflowAction = "APPROVE"
	ActionReject          WorkflowAction = "REJECT"
	ActionFailValidation  WorkflowAction = "FAIL_VALIDATION"
	ActionReopen          WorkflowAction = "REOPEN"
	ActionPublish         WorkflowAction = "PUBLISH"

	// Recorded in history only, never fired.
	ActionCreate               WorkflowAction = "CREATE"
	ActionDeleteDraft          WorkflowAction = "DELETE_DRAFT"
	ActionNewVersion           WorkflowAction = "NEW_VERSION"
	ActionConvertToExtensional WorkflowAction = "CONVERT_TO_EXTENSIONAL"
)

func WorkflowActionValues() []WorkflowAction {
	return []WorkflowAction{
		ActionEdit,
		ActionCancelEdit,
		ActionFinishEdit,
		ActionRequestReview,
		ActionResolveConflict,
		ActionApprove,
		ActionReject,
		ActionFailValidation,
		ActionReopen,
		ActionPublish,
	}
}

func ParseWorkflowAction(s string) (WorkflowAction, error) {
	for _, v := range WorkflowActionValues() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: unknown workflow action %q", ErrValidation, s)
}

func (a WorkflowAction) String() string {
	return string(a)
}

type DefinitionType string

const (
	DefinitionExtensional DefinitionType = "EXTENSIONAL"
	DefinitionIntensional DefinitionType = "INTENSIONAL"
)

// Provenance records why a member is in a refset.
type Provenance string

const (
	ProvenanceManual              Provenance = "MANUAL"
	ProvenanceDefinition          Provenance = "DEFINITION"
	ProvenanceDefinitionException Provenance = "DEFINITION_EXCEPTION"
	ProvenanceUpgrade             Provenance = "UPGRADE"
	ProvenanceCloned              Provenance = "CLONED"
)
