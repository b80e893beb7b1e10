package engine

import (
	"math"

	"fieldcheck/internal/domain"
)

// ComputeProgress counts answered items across the template. An item is
// complete once a response exists with any non-pending status; items without
// a response row count as pending. Pure, cheap enough to call on every read.
func ComputeProgress(tpl domain.Template, responses []domain.Response) domain.Progress {
	byItem := responsesByItem(responses)
	var p domain.Progress
	for _, section := range tpl.Sections {
		for _, item := range section.Items {
			p.Total++
			if resp, ok := byItem[item.ID]; ok && resp.Status != domain.StatusPending {
				p.Completed++
			}
		}
	}
	if p.Total > 0 {
		p.Percentage = int(math.Round(100 * float64(p.Completed) / float64(p.Total)))
	}
	return p
}

func responsesByItem(responses []domain.Response) map[string]domain.Response {
	byItem := make(map[string]domain.Response, len(responses))
	for _, resp := range responses {
		byItem[resp.ItemID] = resp
	}
	return byItem
}
