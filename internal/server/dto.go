package server

import (
	"encoding/json"

	"fieldcheck/internal/config"
	"fieldcheck/internal/domain"
)

type CreateSiteRequest struct {
	ID          string  `json:"id" example:"riverside-tower"`
	Description *string `json:"description,omitempty"`
}

type SiteResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func siteResponse(s domain.Site) SiteResponse {
	return SiteResponse{
		ID:          s.ID,
		Kind:        s.Kind,
		Status:      s.Status,
		Description: s.Description,
		CreatedAt:   s.CreatedAt,
	}
}

type SiteConfigResponse struct {
	Site     any `json:"site"`
	Uploads  any `json:"uploads"`
	Display  any `json:"display"`
	RBAC     any `json:"rbac"`
	Webhooks any `json:"webhooks,omitempty"`
}

func configResponse(cfg *config.Config) SiteConfigResponse {
	if cfg == nil {
		return SiteConfigResponse{}
	}
	return SiteConfigResponse{
		Site:     cfg.Site,
		Uploads:  cfg.Uploads,
		Display:  cfg.Display,
		RBAC:     cfg.RBAC,
		Webhooks: cfg.Webhooks,
	}
}

type ImportItemRequest struct {
	Name          string  `json:"name"`
	Description   *string `json:"description,omitempty"`
	MustImage     bool    `json:"must_image,omitempty"`
	MustNote      bool    `json:"must_note,omitempty"`
	MustSignature bool    `json:"must_signature,omitempty"`
}

type ImportSectionRequest struct {
	Name  string              `json:"name"`
	Items []ImportItemRequest `json:"items"`
}

type ImportTemplateRequest struct {
	ID       *string                `json:"id,omitempty"`
	Name     string                 `json:"name"`
	Sections []ImportSectionRequest `json:"sections"`
}

type ItemResponseDTO struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Position          int    `json:"position"`
	RequiresPhoto     bool   `json:"requires_photo"`
	RequiresNote      bool   `json:"requires_note"`
	RequiresSignature bool   `json:"requires_signature"`
}

type SectionResponseDTO struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Position int               `json:"position"`
	Items    []ItemResponseDTO `json:"items"`
}

type TemplateResponse struct {
	ID        string               `json:"id"`
	SiteID    string               `json:"site_id"`
	Name      string               `json:"name"`
	Sections  []SectionResponseDTO `json:"sections"`
	CreatedAt string               `json:"created_at"`
}

func templateResponse(t domain.Template) TemplateResponse {
	resp := TemplateResponse{
		ID:        t.ID,
		SiteID:    t.SiteID,
		Name:      t.Name,
		Sections:  []SectionResponseDTO{},
		CreatedAt: t.CreatedAt,
	}
	for _, s := range t.Sections {
		sec := SectionResponseDTO{
			ID:       s.ID,
			Name:     s.Name,
			Position: s.Position,
			Items:    []ItemResponseDTO{},
		}
		for _, it := range s.Items {
			sec.Items = append(sec.Items, ItemResponseDTO{
				ID:                it.ID,
				Name:              it.Name,
				Description:       it.Description,
				Position:          it.Position,
				RequiresPhoto:     it.RequiresPhoto,
				RequiresNote:      it.RequiresNote,
				RequiresSignature: it.RequiresSignature,
			})
		}
		resp.Sections = append(resp.Sections, sec)
	}
	return resp
}

type CreateInstanceRequest struct {
	ID         *string `json:"id,omitempty"`
	TemplateID string  `json:"template_id"`
	Name       *string `json:"name,omitempty"`
	AssigneeID *string `json:"assignee_id,omitempty"`
}

type InstanceResponse struct {
	ID          string  `json:"id"`
	SiteID      string  `json:"site_id"`
	TemplateID  string  `json:"template_id"`
	Name        string  `json:"name,omitempty"`
	Status      string  `json:"status"`
	SubmittedAt *string `json:"submitted_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func instanceResponse(inst domain.Instance) InstanceResponse {
	return InstanceResponse{
		ID:          inst.ID,
		SiteID:      inst.SiteID,
		TemplateID:  inst.TemplateID,
		Name:        inst.Name,
		Status:      inst.Status,
		SubmittedAt: inst.SubmittedAt,
		CreatedAt:   inst.CreatedAt,
	}
}

type paginatedInstances struct {
	Items      []InstanceResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type UpsertResponseRequest struct {
	Status    *string   `json:"status,omitempty" enum:"pending,pass,fail,na"`
	Notes     *string   `json:"notes,omitempty"`
	ImageURLs *[]string `json:"image_urls,omitempty"`
}

type ResponseDTO struct {
	ID         string   `json:"id,omitempty"`
	InstanceID string   `json:"instance_id"`
	ItemID     string   `json:"item_id"`
	Status     string   `json:"status"`
	Notes      string   `json:"notes,omitempty"`
	ImageURLs  []string `json:"image_urls"`
	UpdatedAt  string   `json:"updated_at,omitempty"`
}

func responseDTO(resp domain.Response) ResponseDTO {
	urls := resp.ImageURLs
	if urls == nil {
		urls = []string{}
	}
	return ResponseDTO{
		ID:         resp.ID,
		InstanceID: resp.InstanceID,
		ItemID:     resp.ItemID,
		Status:     resp.Status,
		Notes:      resp.Notes,
		ImageURLs:  urls,
		UpdatedAt:  resp.UpdatedAt,
	}
}

type ProgressResponse struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

type DeficiencyDTO struct {
	ItemID   string `json:"item_id,omitempty"`
	ItemName string `json:"item_name,omitempty"`
	Kind     string `json:"kind"`
}

type DeficienciesResponse struct {
	Ready bool            `json:"ready"`
	Items []DeficiencyDTO `json:"items"`
}

func deficiencyDTOs(defs []domain.Deficiency) []DeficiencyDTO {
	out := make([]DeficiencyDTO, 0, len(defs))
	for _, d := range defs {
		out = append(out, DeficiencyDTO{ItemID: d.ItemID, ItemName: d.ItemName, Kind: d.Kind})
	}
	return out
}

type UploadedPhotoDTO struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	OK   bool   `json:"ok"`
}

type AttachPhotosResponse struct {
	Uploaded []UploadedPhotoDTO `json:"uploaded"`
	Response ResponseDTO        `json:"response"`
}

type CaptureSignatureRequest struct {
	URL      string  `json:"url"`
	SignerID *string `json:"signer_id,omitempty"`
}

type SignatureResponse struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	SignerID   string `json:"signer_id,omitempty"`
	URL        string `json:"url"`
	CapturedAt string `json:"captured_at"`
}

func signatureResponse(sig domain.Signature) SignatureResponse {
	return SignatureResponse{
		ID:         sig.ID,
		InstanceID: sig.InstanceID,
		SignerID:   sig.SignerID,
		URL:        sig.URL,
		CapturedAt: sig.CapturedAt,
	}
}

type AssignRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type AssignmentResponse struct {
	InstanceID string `json:"instance_id"`
	ActorID    string `json:"actor_id"`
	UpdatedAt  string `json:"updated_at"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	SiteID     string          `json:"site_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		SiteID:     evt.SiteID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
