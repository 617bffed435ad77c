package disputes

import (
	"regexp"
	"sort"
	"strings"

	"github.com/example/tripledger/internal/apperr"
)

// Type is a dispute category.
type Type string

const (
	TypeShortage       Type = "shortage"
	TypeDamage         Type = "damage"
	TypeRateDifference Type = "rate_difference"
	TypeDelay          Type = "delay"
	TypeDocumentation  Type = "documentation"
	TypeOther          Type = "other"
)

// TypeInfo describes a catalog entry. RequiresAmount disputes must state the
// disputed amount when opened.
type TypeInfo struct {
	Type           Type   `json:"type"`
	Description    string `json:"description"`
	RequiresAmount bool   `json:"requires_amount"`
	RequiresReason bool   `json:"requires_reason"`
}

// Catalog lists the accepted dispute types.
var Catalog = map[Type]TypeInfo{
	TypeShortage:       {Type: TypeShortage, Description: "Delivered quantity short of the LR", RequiresAmount: true},
	TypeDamage:         {Type: TypeDamage, Description: "Goods damaged in transit", RequiresAmount: true},
	TypeRateDifference: {Type: TypeRateDifference, Description: "Freight rate differs from the agreed rate", RequiresAmount: true},
	TypeDelay:          {Type: TypeDelay, Description: "Delivery later than committed"},
	TypeDocumentation:  {Type: TypeDocumentation, Description: "Missing or incorrect trip documents"},
	TypeOther:          {Type: TypeOther, Description: "Any other disagreement", RequiresReason: true},
}

var separators = regexp.MustCompile(`[\s-]+`)

// ValidateType normalizes s ("Rate Difference", "rate-difference") and looks
// it up in the catalog.
func ValidateType(s string) (TypeInfo, error) {
	clean := strings.ToLower(strings.TrimSpace(s))
	if clean == "" {
		return TypeInfo{}, apperr.Validation("dispute.type", "dispute type is required")
	}
	clean = separators.ReplaceAllString(clean, "_")
	info, ok := Catalog[Type(clean)]
	if !ok {
		return TypeInfo{}, apperr.Validation("dispute.type", "unknown dispute type %q", s)
	}
	return info, nil
}

// Types returns the catalog sorted by type name.
func Types() []TypeInfo {
	out := make([]TypeInfo, 0, len(Catalog))
	for _, info := range Catalog {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// validateOpen applies the catalog's rules to an OpenInput.
func validateOpen(in OpenInput) (TypeInfo, error) {
	const op = "dispute.open"
	info, err := ValidateType(in.Type)
	if err != nil {
		return TypeInfo{}, err
	}
	if in.Amount.IsNegative() {
		return TypeInfo{}, apperr.Validation(op, "disputed amount must be non-negative")
	}
	if info.RequiresAmount && !in.Amount.IsPositive() {
		return TypeInfo{}, apperr.Validation(op, "%s disputes require the disputed amount", info.Type)
	}
	if info.RequiresReason && strings.TrimSpace(in.Reason) == "" {
		return TypeInfo{}, apperr.Validation(op, "%s disputes require a reason", info.Type)
	}
	return info, nil
}
