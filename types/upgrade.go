package types

// AssociationType of a historical association between an inactive concept and its targets.
type AssociationType string

const (
	AssociationReplacedBy            AssociationType = "REPLACED_BY"
	AssociationSameAs                AssociationType = "SAME_AS"
	AssociationPossiblyEquivalentTo  AssociationType = "POSSIBLY_EQUIVALENT_TO"
	AssociationPossiblyReplacedBy    AssociationType = "POSSIBLY_REPLACED_BY"
	AssociationPartiallyEquivalentTo AssociationType = "PARTIALLY_EQUIVALENT_TO"
	AssociationAlternative           AssociationType = "ALTERNATIVE"
	AssociationAncestor              AssociationType = "ANCESTOR"
)

// DefaultAssociationPreference ranks replacement candidates, best first.
func DefaultAssociationPreference() []AssociationType {
	return []AssociationType{
		AssociationReplacedBy,
		AssociationSameAs,
		AssociationPossiblyEquivalentTo,
		AssociationPossiblyReplacedBy,
		AssociationPartiallyEquivalentTo,
		AssociationAlternative,
		AssociationAncestor,
	}
}

// UpgradeReplacementConcept is one suggested replacement.
type UpgradeReplacementConcept struct {
	Code        string          `json:"code"`
	Name        string          `json:"name,omitempty"`
	Association AssociationType `json:"association"`
	Rank        int             `json:"rank"`
}

// UpgradeInactiveConcept is a member that became inactive in the target edition.
type UpgradeInactiveConcept struct {
	RefsetInternalID  VersionID                   `json:"refsetInternalId"`
	Code              string                      `json:"code"`
	Name              string                      `json:"name,omitempty"`
	TargetBranch      string                      `json:"targetBranch"`
	Replacements      []UpgradeReplacementConcept `json:"replacements"`
	ManualReplacement string                      `json:"manualReplacement,omitempty"`
}

// Suggested returns the best ranked replacement, or "".
func (u UpgradeInactiveConcept) Suggested() string {
	if u.ManualReplacement != "" {
		return u.ManualReplacement
	}
	if len(u.Replacements) == 0 {
		return ""
	}
	return u.Replacements[0].Code
}
