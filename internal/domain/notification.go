package domain

// EmailTemplate identifies a transactional email the mail service knows how to render.
type EmailTemplate string

const (
	TemplateSettlementReceipt    EmailTemplate = "settlement_receipt"
	TemplateBatchImpact          EmailTemplate = "batch_impact"
	TemplateContributorGratitude EmailTemplate = "contributor_gratitude"
)

// EmailNotification is a fully resolved email request. The engine decides who
// receives what; rendering and delivery belong to the mail service.
type EmailNotification struct {
	To             string         `json:"to"`
	ToName         string         `json:"to_name,omitempty"`
	Template       EmailTemplate  `json:"template"`
	Data           map[string]any `json:"data"`
	DeduplicateKey string         `json:"deduplicate_key"`
}
