package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcheck/internal/domain"
	"fieldcheck/internal/engine"
)

func kinds(defs []domain.Deficiency) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Kind)
	}
	return out
}

func TestValidateUntouchedItemsAreIncomplete(t *testing.T) {
	defs := engine.Validate(checklistTemplate(), nil, true)
	require.Len(t, defs, 4)
	for _, d := range defs {
		assert.Equal(t, domain.DeficiencyIncomplete, d.Kind)
		assert.NotEmpty(t, d.ItemID)
		assert.NotEmpty(t, d.ItemName)
	}
}

func TestValidateOrderFollowsTemplate(t *testing.T) {
	defs := engine.Validate(checklistTemplate(), nil, true)
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d.ItemID)
	}
	assert.Equal(t, []string{"item-walls", "item-roof", "item-wiring", "item-handover"}, ids)
}

func TestValidatePendingRowEqualsNoRow(t *testing.T) {
	withRow := engine.Validate(checklistTemplate(), []domain.Response{
		{ItemID: "item-walls", Status: domain.StatusPending, ImageURLs: []string{"/files/a.jpg"}},
	}, true)
	withoutRow := engine.Validate(checklistTemplate(), nil, true)
	assert.Equal(t, withoutRow, withRow)
}

func TestValidateIncompleteShadowsFieldChecks(t *testing.T) {
	// An unanswered item is reported once, not also as missing photo or note.
	defs := engine.Validate(checklistTemplate(), []domain.Response{
		{ItemID: "item-walls", Status: domain.StatusPending},
		{ItemID: "item-roof", Status: domain.StatusPending},
	}, true)
	assert.Equal(t, []string{"incomplete", "incomplete", "incomplete", "incomplete"}, kinds(defs))
}

func TestValidateMissingPhotoAndNote(t *testing.T) {
	defs := engine.Validate(checklistTemplate(), []domain.Response{
		{ItemID: "item-walls", Status: domain.StatusPass},
		{ItemID: "item-roof", Status: domain.StatusFail, Notes: "   "},
		{ItemID: "item-wiring", Status: domain.StatusNA},
		{ItemID: "item-handover", Status: domain.StatusPass},
	}, true)
	require.Len(t, defs, 2)
	assert.Equal(t, domain.DeficiencyMissingPhoto, defs[0].Kind)
	assert.Equal(t, "item-walls", defs[0].ItemID)
	assert.Equal(t, domain.DeficiencyMissingNote, defs[1].Kind)
	assert.Equal(t, "item-roof", defs[1].ItemID)
}

func TestValidateRequirementsApplyToEveryAnswer(t *testing.T) {
	// Photo and note requirements hold for na and fail answers too.
	defs := engine.Validate(checklistTemplate(), []domain.Response{
		{ItemID: "item-walls", Status: domain.StatusNA},
	}, true)
	assert.Contains(t, kinds(defs), domain.DeficiencyMissingPhoto)
}

func TestValidateSignatureEmittedOnceAndLast(t *testing.T) {
	defs := engine.Validate(checklistTemplate(), nil, false)
	require.Len(t, defs, 5)
	last := defs[len(defs)-1]
	assert.Equal(t, domain.DeficiencyMissingSignature, last.Kind)
	assert.Empty(t, last.ItemID)
	for _, d := range defs[:len(defs)-1] {
		assert.NotEqual(t, domain.DeficiencyMissingSignature, d.Kind)
	}
}

func TestValidateNoSignatureDeficiencyWhenNotRequired(t *testing.T) {
	tpl := checklistTemplate()
	tpl.Sections[1].Items[1].RequiresSignature = false
	defs := engine.Validate(tpl, nil, false)
	assert.NotContains(t, kinds(defs), domain.DeficiencyMissingSignature)
}

func TestValidateMixedRequirementOutcomes(t *testing.T) {
	tpl := domain.Template{
		Sections: []domain.Section{{
			ID: "s",
			Items: []domain.Item{
				{ID: "a", Name: "A", RequiresPhoto: true},
				{ID: "b", Name: "B", RequiresNote: true},
				{ID: "c", Name: "C"},
			},
		}},
	}
	defs := engine.Validate(tpl, []domain.Response{
		{ItemID: "a", Status: domain.StatusPass, ImageURLs: []string{}},
		{ItemID: "b", Status: domain.StatusPass, Notes: ""},
	}, false)
	require.Len(t, defs, 3)
	assert.Equal(t, domain.DeficiencyMissingPhoto, defs[0].Kind)
	assert.Equal(t, "A", defs[0].ItemName)
	assert.Equal(t, domain.DeficiencyMissingNote, defs[1].Kind)
	assert.Equal(t, "B", defs[1].ItemName)
	assert.Equal(t, domain.DeficiencyIncomplete, defs[2].Kind)
	assert.Equal(t, "C", defs[2].ItemName)
}

func TestValidateReady(t *testing.T) {
	defs := engine.Validate(checklistTemplate(), []domain.Response{
		{ItemID: "item-walls", Status: domain.StatusPass, ImageURLs: []string{"/files/walls.jpg"}},
		{ItemID: "item-roof", Status: domain.StatusFail, Notes: "gutter cracked"},
		{ItemID: "item-wiring", Status: domain.StatusNA},
		{ItemID: "item-handover", Status: domain.StatusPass},
	}, true)
	assert.Empty(t, defs)
}

func TestValidateEmptyTemplateIsReady(t *testing.T) {
	assert.Empty(t, engine.Validate(domain.Template{}, nil, false))
}
