package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fieldcheck/internal/domain"
	"fieldcheck/internal/engine"
)

func checklistTemplate() domain.Template {
	return domain.Template{
		ID:     "tpl-1",
		SiteID: "site-1",
		Name:   "Safety walk",
		Sections: []domain.Section{
			{
				ID:   "sec-ext",
				Name: "Exterior",
				Items: []domain.Item{
					{ID: "item-walls", Name: "Walls", RequiresPhoto: true},
					{ID: "item-roof", Name: "Roof", RequiresNote: true},
				},
			},
			{
				ID:       "sec-int",
				Name:     "Interior",
				Position: 1,
				Items: []domain.Item{
					{ID: "item-wiring", Name: "Wiring"},
					{ID: "item-handover", Name: "Handover", RequiresSignature: true},
				},
			},
		},
	}
}

func TestComputeProgressEmptyTemplate(t *testing.T) {
	p := engine.ComputeProgress(domain.Template{}, nil)
	assert.Equal(t, 0, p.Total)
	assert.Equal(t, 0, p.Completed)
	assert.Equal(t, 0, p.Percentage)
}

func TestComputeProgressNoResponses(t *testing.T) {
	p := engine.ComputeProgress(checklistTemplate(), nil)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 0, p.Completed)
	assert.Equal(t, 0, p.Percentage)
}

func TestComputeProgressPendingDoesNotCount(t *testing.T) {
	responses := []domain.Response{
		{ItemID: "item-walls", Status: domain.StatusPending},
		{ItemID: "item-roof", Status: domain.StatusPass},
	}
	p := engine.ComputeProgress(checklistTemplate(), responses)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 25, p.Percentage)
}

func TestComputeProgressAnyAnswerCounts(t *testing.T) {
	responses := []domain.Response{
		{ItemID: "item-walls", Status: domain.StatusPass},
		{ItemID: "item-roof", Status: domain.StatusFail},
		{ItemID: "item-wiring", Status: domain.StatusNA},
	}
	p := engine.ComputeProgress(checklistTemplate(), responses)
	assert.Equal(t, 3, p.Completed)
	assert.Equal(t, 75, p.Percentage)
}

func TestComputeProgressIgnoresUnknownItems(t *testing.T) {
	responses := []domain.Response{
		{ItemID: "item-ghost", Status: domain.StatusPass},
	}
	p := engine.ComputeProgress(checklistTemplate(), responses)
	assert.Equal(t, 0, p.Completed)
}

func TestComputeProgressRounding(t *testing.T) {
	tpl := domain.Template{
		Sections: []domain.Section{{
			ID: "s",
			Items: []domain.Item{
				{ID: "a"}, {ID: "b"}, {ID: "c"},
			},
		}},
	}
	responses := []domain.Response{
		{ItemID: "a", Status: domain.StatusPass},
	}
	p := engine.ComputeProgress(tpl, responses)
	assert.Equal(t, 33, p.Percentage)

	responses = append(responses, domain.Response{ItemID: "b", Status: domain.StatusNA})
	p = engine.ComputeProgress(tpl, responses)
	assert.Equal(t, 67, p.Percentage)
}

func TestComputeProgressComplete(t *testing.T) {
	responses := []domain.Response{
		{ItemID: "item-walls", Status: domain.StatusPass},
		{ItemID: "item-roof", Status: domain.StatusPass},
		{ItemID: "item-wiring", Status: domain.StatusNA},
		{ItemID: "item-handover", Status: domain.StatusPass},
	}
	p := engine.ComputeProgress(checklistTemplate(), responses)
	assert.Equal(t, 4, p.Completed)
	assert.Equal(t, 100, p.Percentage)
}
