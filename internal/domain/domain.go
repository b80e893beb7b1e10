package domain

type Site struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Template is an immutable inspection checklist definition. Once imported it
// is never mutated; instances reference it read-only.
type Template struct {
	ID        string    `json:"id"`
	SiteID    string    `json:"site_id"`
	Name      string    `json:"name"`
	Sections  []Section `json:"sections"`
	CreatedAt string    `json:"created_at" format:"date-time"`
}

type Section struct {
	ID         string `json:"id"`
	TemplateID string `json:"template_id"`
	Name       string `json:"name"`
	Position   int    `json:"position"`
	Items      []Item `json:"items"`
}

type Item struct {
	ID                string `json:"id"`
	SectionID         string `json:"section_id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Position          int    `json:"position"`
	RequiresPhoto     bool   `json:"requires_photo"`
	RequiresNote      bool   `json:"requires_note"`
	RequiresSignature bool   `json:"requires_signature"`
}

// Response is the answer recorded against one template item for one instance.
// At most one row exists per (instance, item); items never answered simply
// have no row and read as pending.
type Response struct {
	ID         string   `json:"id"`
	InstanceID string   `json:"instance_id"`
	ItemID     string   `json:"item_id"`
	Status     string   `json:"status" enum:"pending,pass,fail,na"`
	Notes      string   `json:"notes,omitempty"`
	ImageURLs  []string `json:"image_urls"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

type Instance struct {
	ID          string  `json:"id"`
	SiteID      string  `json:"site_id"`
	TemplateID  string  `json:"template_id"`
	Name        string  `json:"name,omitempty"`
	Status      string  `json:"status" enum:"draft,submitting,submitted,submission_failed"`
	SubmittedAt *string `json:"submitted_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Signature is one captured inspector signature blob for an instance. The
// instance counts as signed when at least one row exists.
type Signature struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	SignerID   string `json:"signer_id"`
	URL        string `json:"url"`
	CapturedAt string `json:"captured_at" format:"date-time"`
}

// Assignment binds an instance to the inspector responsible for filling it in.
type Assignment struct {
	InstanceID string `json:"instance_id"`
	ActorID    string `json:"actor_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// Deficiency is one reason an instance cannot be submitted yet.
type Deficiency struct {
	ItemID   string `json:"item_id,omitempty"`
	ItemName string `json:"item_name,omitempty"`
	Kind     string `json:"kind" enum:"incomplete,missing_photo,missing_note,missing_signature"`
}

type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SiteID     string `json:"site_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Response statuses.
const (
	StatusPending = "pending"
	StatusPass    = "pass"
	StatusFail    = "fail"
	StatusNA      = "na"
)

// Instance submission states.
const (
	InstanceDraft            = "draft"
	InstanceSubmitting       = "submitting"
	InstanceSubmitted        = "submitted"
	InstanceSubmissionFailed = "submission_failed"
)

// Deficiency kinds.
const (
	DeficiencyIncomplete       = "incomplete"
	DeficiencyMissingPhoto     = "missing_photo"
	DeficiencyMissingNote      = "missing_note"
	DeficiencyMissingSignature = "missing_signature"
)

// ValidStatus reports whether s is a recognized response status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusPass, StatusFail, StatusNA:
		return true
	}
	return false
}

// Items flattens the template's items in section order then item order.
func (t Template) Items() []Item {
	var items []Item
	for _, s := range t.Sections {
		items = append(items, s.Items...)
	}
	return items
}

// RequiresSignature reports whether any item in the template carries the
// signature flag. One signature certifies the whole inspection.
func (t Template) RequiresSignature() bool {
	for _, s := range t.Sections {
		for _, it := range s.Items {
			if it.RequiresSignature {
				return true
			}
		}
	}
	return false
}
