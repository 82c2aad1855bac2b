package handlers

import (
	"fmt"
	"time"

	"github.com/lfrfrfr/beon-ipshield/internal/rules"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ViolationRequest reports a suspicious event
type ViolationRequest struct {
	IP        string            `json:"ip"`
	Type      string            `json:"type"`
	Severity  string            `json:"severity,omitempty"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Event validates the request and converts it to a violation event. An
// empty severity defaults to medium.
func (r ViolationRequest) Event() (models.ViolationEvent, error) {
	if r.Type == "" {
		return models.ViolationEvent{}, fmt.Errorf("%w: type is required", models.ErrInvalidRequest)
	}
	sev := models.SeverityMedium
	if r.Severity != "" {
		parsed, err := models.ParseSeverity(r.Severity)
		if err != nil {
			return models.ViolationEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
		}
		sev = parsed
	}
	ev := models.ViolationEvent{Type: r.Type, Severity: sev, Details: r.Details}
	if r.Timestamp != nil {
		ev.Timestamp = *r.Timestamp
	}
	return ev, nil
}

// ViolationResponse is the rule engine decision for a reported event
type ViolationResponse struct {
	Blocked   bool               `json:"blocked"`
	Rule      string             `json:"rule,omitempty"`
	Escalated bool               `json:"escalated,omitempty"`
	Entry     *models.BlockEntry `json:"entry,omitempty"`
}

func newViolationResponse(d *rules.Decision) ViolationResponse {
	resp := ViolationResponse{Blocked: d.Blocked, Escalated: d.Escalated, Entry: d.Entry}
	if d.Rule != nil {
		resp.Rule = d.Rule.ID
	}
	return resp
}

// BlockRequest manually blocks an IP. Without a duration the block is
// permanent.
type BlockRequest struct {
	IP              string          `json:"ip"`
	CIDRRange       string          `json:"cidr_range,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Severity        string          `json:"severity,omitempty"`
	DurationMinutes *int            `json:"duration_minutes,omitempty"`
	Permanent       bool            `json:"permanent"`
	Notes           string          `json:"notes,omitempty"`
	AddedBy         string          `json:"added_by,omitempty"`
	Geo             *models.GeoInfo `json:"geo,omitempty"`
}

// Params converts the request into block params
func (r BlockRequest) Params() (models.BlockParams, error) {
	p := models.BlockParams{
		IP:        r.IP,
		CIDRRange: r.CIDRRange,
		Permanent: r.Permanent,
		Notes:     r.Notes,
		AddedBy:   r.AddedBy,
		Geo:       r.Geo,
	}
	if r.Reason != "" {
		reason, err := models.ParseBlockReason(r.Reason)
		if err != nil {
			return p, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
		}
		p.Reason = reason
	}
	if r.Severity != "" {
		sev, err := models.ParseSeverity(r.Severity)
		if err != nil {
			return p, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
		}
		p.Severity = sev
	}
	if r.DurationMinutes != nil {
		if *r.DurationMinutes <= 0 {
			return p, fmt.Errorf("%w: duration_minutes must be positive", models.ErrInvalidRequest)
		}
		d := time.Duration(*r.DurationMinutes) * time.Minute
		p.Duration = &d
	}
	return p, nil
}

// UnblockRequest carries the audit details of an unblock
type UnblockRequest struct {
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// GeoRequest asks for a geo threat evaluation
type GeoRequest struct {
	IP  string          `json:"ip"`
	Geo *models.GeoInfo `json:"geo,omitempty"`
}

// EscalationBody is the wire form of a rule escalation
type EscalationBody struct {
	Enabled   bool   `json:"enabled"`
	Threshold int    `json:"escalation_threshold"`
	Severity  string `json:"escalation_severity,omitempty"`
}

// RuleBody is the wire form of a rule. Durations are in minutes; a missing
// block duration means permanent.
type RuleBody struct {
	ID                   string                `json:"id"`
	Name                 string                `json:"name"`
	Description          string                `json:"description,omitempty"`
	Enabled              *bool                 `json:"enabled,omitempty"`
	Severity             string                `json:"severity"`
	AutoBlockThreshold   int                   `json:"auto_block_threshold"`
	TimeWindowMinutes    int                   `json:"time_window_minutes"`
	BlockDurationMinutes *int                  `json:"block_duration_minutes,omitempty"`
	Conditions           models.RuleConditions `json:"conditions"`
	Escalation           EscalationBody        `json:"escalation"`
}

// Rule converts the body into a rule. Validation is left to the engine.
func (b RuleBody) Rule() (*models.Rule, error) {
	sev, err := models.ParseSeverity(b.Severity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRule, err)
	}
	r := &models.Rule{
		ID:                 b.ID,
		Name:               b.Name,
		Description:        b.Description,
		Enabled:            b.Enabled == nil || *b.Enabled,
		Severity:           sev,
		AutoBlockThreshold: b.AutoBlockThreshold,
		TimeWindow:         time.Duration(b.TimeWindowMinutes) * time.Minute,
		Conditions:         b.Conditions,
	}
	if b.BlockDurationMinutes != nil {
		d := time.Duration(*b.BlockDurationMinutes) * time.Minute
		r.BlockDuration = &d
	}
	if b.Escalation.Enabled {
		escSev, err := models.ParseSeverity(b.Escalation.Severity)
		if err != nil {
			return nil, fmt.Errorf("%w: escalation: %v", models.ErrInvalidRule, err)
		}
		r.Escalation = models.Escalation{Enabled: true, Threshold: b.Escalation.Threshold, Severity: escSev}
	}
	return r, nil
}

func newRuleBody(r *models.Rule) RuleBody {
	enabled := r.Enabled
	b := RuleBody{
		ID:                 r.ID,
		Name:               r.Name,
		Description:        r.Description,
		Enabled:            &enabled,
		Severity:           string(r.Severity),
		AutoBlockThreshold: r.AutoBlockThreshold,
		TimeWindowMinutes:  int(r.TimeWindow / time.Minute),
		Conditions:         r.Conditions,
		Escalation: EscalationBody{
			Enabled:   r.Escalation.Enabled,
			Threshold: r.Escalation.Threshold,
			Severity:  string(r.Escalation.Severity),
		},
	}
	if r.BlockDuration != nil {
		m := int(*r.BlockDuration / time.Minute)
		b.BlockDurationMinutes = &m
	}
	return b
}
