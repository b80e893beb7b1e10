package engine

import (
	"strings"

	"fieldcheck/internal/domain"
)

// Validate walks the template in section-then-item order and returns every
// reason the instance cannot be submitted yet. Photo and note requirements
// are only checked on items that already carry a non-pending answer, so an
// untouched item is reported once as incomplete rather than twice. The
// signature check is instance-scoped: one deficiency at most, appended last,
// when any item requires a signature and none has been captured. Callers may
// truncate the list for display; the validator never does.
func Validate(tpl domain.Template, responses []domain.Response, signaturePresent bool) []domain.Deficiency {
	byItem := responsesByItem(responses)
	var defs []domain.Deficiency
	for _, section := range tpl.Sections {
		for _, item := range section.Items {
			resp, ok := byItem[item.ID]
			if !ok || resp.Status == domain.StatusPending {
				defs = append(defs, domain.Deficiency{ItemID: item.ID, ItemName: item.Name, Kind: domain.DeficiencyIncomplete})
				continue
			}
			if item.RequiresPhoto && len(resp.ImageURLs) == 0 {
				defs = append(defs, domain.Deficiency{ItemID: item.ID, ItemName: item.Name, Kind: domain.DeficiencyMissingPhoto})
			}
			if item.RequiresNote && strings.TrimSpace(resp.Notes) == "" {
				defs = append(defs, domain.Deficiency{ItemID: item.ID, ItemName: item.Name, Kind: domain.DeficiencyMissingNote})
			}
		}
	}
	if tpl.RequiresSignature() && !signaturePresent {
		defs = append(defs, domain.Deficiency{Kind: domain.DeficiencyMissingSignature})
	}
	return defs
}
