package http

import (
	"time"

	"groupsave/internal/core"
	"groupsave/internal/services"
)

// Amounts in requests are either decimal strings ("250.00") or integer
// cents in the *_cents field. Responses always carry integer cents.

type createGroupRequest struct {
	Name              string                 `json:"name"`
	Description       string                 `json:"description"`
	TargetAmount      string                 `json:"target_amount"`
	TargetAmountCents *int64                 `json:"target_amount_cents"`
	IsPublic          bool                   `json:"is_public"`
	Deadline          *time.Time             `json:"deadline"`
	Rules             core.ContributionRules `json:"rules"`
}

func (req createGroupRequest) toInput() (services.NewGroup, error) {
	target, err := amountField{Decimal: req.TargetAmount, Cents: req.TargetAmountCents}.money("target_amount")
	if err != nil {
		return services.NewGroup{}, err
	}
	return services.NewGroup{
		Name:         req.Name,
		Description:  req.Description,
		TargetAmount: target,
		IsPublic:     req.IsPublic,
		Deadline:     req.Deadline,
		Rules:        req.Rules,
	}, nil
}

type createInvitationRequest struct {
	Message string `json:"message"`
	// TTLSeconds of 0 or omitted selects the server default.
	TTLSeconds int64 `json:"ttl_seconds"`
}

type invitationCreatedResponse struct {
	Invitation core.GroupInvitation `json:"invitation"`
	JoinURL    string               `json:"join_url"`
}

type submitContributionRequest struct {
	Amount      string             `json:"amount"`
	AmountCents *int64             `json:"amount_cents"`
	Method      core.PaymentMethod `json:"method"`
	Description string             `json:"description"`
	ProofRef    string             `json:"proof_ref"`
}

func (req submitContributionRequest) toInput(groupID string) (services.SubmitContribution, error) {
	amount, err := amountField{Decimal: req.Amount, Cents: req.AmountCents}.money("amount")
	if err != nil {
		return services.SubmitContribution{}, err
	}
	return services.SubmitContribution{
		GroupID:     groupID,
		Amount:      amount,
		Method:      req.Method,
		Description: req.Description,
		ProofRef:    req.ProofRef,
	}, nil
}

type rejectContributionRequest struct {
	Reason string `json:"reason"`
}

type progressResponse struct {
	GroupID  string  `json:"group_id"`
	Progress float64 `json:"progress"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}
