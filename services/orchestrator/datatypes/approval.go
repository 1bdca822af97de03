// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// ApprovalAction is the decision produced by the approval gate engine.
type ApprovalAction string

const (
	// ApprovalAllow lets the request proceed to backend selection.
	ApprovalAllow ApprovalAction = "allow"

	// ApprovalNeedsApproval parks the request pending a human decision.
	// The client receives HTTP 202 with an approval id to poll on.
	ApprovalNeedsApproval ApprovalAction = "needs-approval"

	// ApprovalReject terminates the request with HTTP 403.
	ApprovalReject ApprovalAction = "reject"
)

// TriggeredRule identifies one gate rule that fired during evaluation.
type TriggeredRule struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ApprovalContext is the input handed to the approval gate engine.
//
// # Description
//
// Created once per request from the normalized messages and session
// metadata; owned by the Approval Coordinator and never mutated after
// creation. MessageText is the last user message's sanitized content.
type ApprovalContext struct {
	SessionID       string `json:"session_id,omitempty"`
	MessageText     string `json:"message_text"`
	UserID          string `json:"user_id,omitempty"`
	ChatMode        string `json:"chat_mode,omitempty"`
	PersonaTemplate string `json:"persona_template,omitempty"`
	WorkflowPhase   string `json:"workflow_phase,omitempty"`
	IsFirstMessage  bool   `json:"is_first_message"`
}

// ApprovalResult is the gate engine's decision. Terminal once produced.
//
// ApprovalID is set only when Action is ApprovalNeedsApproval.
// TriggeredRules preserves the order in which rules fired.
type ApprovalResult struct {
	Action         ApprovalAction  `json:"action"`
	ApprovalID     string          `json:"approval_id,omitempty"`
	TriggeredRules []TriggeredRule `json:"triggered_rules"`
}
