package engine

import (
	"fmt"
	"net/mail"

	"github.com/flexinfer/docflow/pkg/types"
)

// Preflight runs the validation gate: a pure pass over the definition and
// trigger data, grouped into independent domains. Identical inputs yield
// identical issue sets. No side effect happens before or during preflight.
func (e *Engine) Preflight(def *types.PipelineDefinition, trigger map[string]interface{}) []types.PreflightIssue {
	var issues []types.PreflightIssue
	issues = append(issues, e.checkDataCompleteness(def, trigger)...)
	issues = append(issues, e.checkDefinition(def)...)
	issues = append(issues, e.checkPermissions(def, trigger)...)
	issues = append(issues, e.checkDeliveryTargets(def)...)
	issues = append(issues, e.checkSignatureConfig(def)...)
	return issues
}

// hasBlocking reports whether any issue is blocking.
func hasBlocking(issues []types.PreflightIssue) bool {
	for _, issue := range issues {
		if issue.Severity == types.SeverityBlocking {
			return true
		}
	}
	return false
}

// checkDataCompleteness verifies the trigger snapshot carries every field
// the definition declares as required.
func (e *Engine) checkDataCompleteness(def *types.PipelineDefinition, trigger map[string]interface{}) []types.PreflightIssue {
	var issues []types.PreflightIssue
	for _, field := range def.RequiredFields {
		v, ok := trigger[field]
		if !ok || isEmptyValue(v) {
			issues = append(issues, types.PreflightIssue{
				Domain:            "data_completeness",
				Severity:          types.SeverityBlocking,
				Field:             field,
				Message:           fmt.Sprintf("required trigger field %q is missing or empty", field),
				RecommendedAction: fmt.Sprintf("supply a value for %q and resume", field),
			})
		}
	}
	return issues
}

// checkDefinition validates the definition shape: schema conformance, node
// references, and executor availability for every non-branch node kind.
func (e *Engine) checkDefinition(def *types.PipelineDefinition) []types.PreflightIssue {
	var issues []types.PreflightIssue

	if e.validator != nil {
		for _, verr := range e.validator.ValidateDefinition(def) {
			issues = append(issues, types.PreflightIssue{
				Domain:            "definition",
				Severity:          types.SeverityBlocking,
				Field:             verr.Path,
				Message:           verr.Message,
				RecommendedAction: "fix the pipeline definition",
			})
		}
	}

	if len(def.Nodes) == 0 {
		issues = append(issues, types.PreflightIssue{
			Domain:   "definition",
			Severity: types.SeverityBlocking,
			Message:  "definition has no nodes",
		})
		return issues
	}

	ids := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if ids[n.ID] {
			issues = append(issues, types.PreflightIssue{
				Domain:   "definition",
				Severity: types.SeverityBlocking,
				NodeID:   n.ID,
				Message:  fmt.Sprintf("duplicate node id %q", n.ID),
			})
		}
		ids[n.ID] = true
	}

	checkRef := func(nodeID, ref, what string) {
		if ref != "" && !ids[ref] {
			issues = append(issues, types.PreflightIssue{
				Domain:   "definition",
				Severity: types.SeverityBlocking,
				NodeID:   nodeID,
				Message:  fmt.Sprintf("%s references unknown node %q", what, ref),
			})
		}
	}

	for _, n := range def.Nodes {
		checkRef(n.ID, n.Next, "successor")
		if n.Kind == types.NodeKindBranch {
			if len(n.Branches) == 0 {
				issues = append(issues, types.PreflightIssue{
					Domain:   "definition",
					Severity: types.SeverityBlocking,
					NodeID:   n.ID,
					Message:  "branch node has no rules",
				})
			}
			for _, rule := range n.Branches {
				checkRef(n.ID, rule.Next, "branch rule")
			}
			checkRef(n.ID, n.DefaultNext, "branch default")
			if n.DefaultNext == "" {
				issues = append(issues, types.PreflightIssue{
					Domain:            "definition",
					Severity:          types.SeverityWarning,
					NodeID:            n.ID,
					Message:           "branch node has no default; an unmatched input fails the execution",
					RecommendedAction: "add a default branch if fallthrough should not be fatal",
				})
			}
			continue
		}
		if e.registry.Get(n.Kind) == nil {
			issues = append(issues, types.PreflightIssue{
				Domain:            "definition",
				Severity:          types.SeverityBlocking,
				NodeID:            n.ID,
				Message:           fmt.Sprintf("no executor registered for node kind %q", n.Kind),
				RecommendedAction: "register an executor for this kind or remove the node",
			})
		}
	}
	return issues
}

// checkPermissions compares scopes a node declares it needs against the
// scopes granted in the trigger snapshot.
func (e *Engine) checkPermissions(def *types.PipelineDefinition, trigger map[string]interface{}) []types.PreflightIssue {
	granted := make(map[string]bool)
	if raw, ok := trigger["scopes"].([]interface{}); ok {
		for _, s := range raw {
			granted[toString(s)] = true
		}
	}

	var issues []types.PreflightIssue
	for _, n := range def.Nodes {
		raw, ok := n.Config["required_scopes"].([]interface{})
		if !ok {
			continue
		}
		for _, s := range raw {
			scope := toString(s)
			if !granted[scope] {
				issues = append(issues, types.PreflightIssue{
					Domain:            "permissions",
					Severity:          types.SeverityBlocking,
					NodeID:            n.ID,
					Field:             scope,
					Message:           fmt.Sprintf("node %s requires scope %q which the trigger does not grant", n.ID, scope),
					RecommendedAction: "reconnect the integration with the missing scope",
				})
			}
		}
	}
	return issues
}

// checkDeliveryTargets validates recipient addresses on delivery nodes.
func (e *Engine) checkDeliveryTargets(def *types.PipelineDefinition) []types.PreflightIssue {
	var issues []types.PreflightIssue
	for _, n := range def.Nodes {
		if n.Phase != types.PhaseDelivery {
			continue
		}
		to, ok := n.Config["to"].(string)
		if !ok || to == "" {
			issues = append(issues, types.PreflightIssue{
				Domain:            "delivery",
				Severity:          types.SeverityBlocking,
				NodeID:            n.ID,
				Field:             "to",
				Message:           fmt.Sprintf("delivery node %s has no recipient", n.ID),
				RecommendedAction: "set a recipient address",
			})
			continue
		}
		// Templated recipients resolve at dispatch time; only literal
		// addresses can be validated here.
		if to[0] == '$' {
			continue
		}
		if _, err := mail.ParseAddress(to); err != nil {
			issues = append(issues, types.PreflightIssue{
				Domain:            "delivery",
				Severity:          types.SeverityBlocking,
				NodeID:            n.ID,
				Field:             "to",
				Message:           fmt.Sprintf("delivery node %s recipient %q is not a valid address", n.ID, to),
				RecommendedAction: "correct the recipient address",
			})
		}
	}
	return issues
}

// checkSignatureConfig validates signer configuration on signature nodes.
func (e *Engine) checkSignatureConfig(def *types.PipelineDefinition) []types.PreflightIssue {
	var issues []types.PreflightIssue
	for _, n := range def.Nodes {
		if n.Kind != types.NodeKindSignature {
			continue
		}
		signer, _ := n.Config["signer_email"].(string)
		if signer == "" {
			issues = append(issues, types.PreflightIssue{
				Domain:            "signature",
				Severity:          types.SeverityBlocking,
				NodeID:            n.ID,
				Field:             "signer_email",
				Message:           fmt.Sprintf("signature node %s has no signer", n.ID),
				RecommendedAction: "set signer_email on the node",
			})
		} else if signer[0] != '$' {
			if _, err := mail.ParseAddress(signer); err != nil {
				issues = append(issues, types.PreflightIssue{
					Domain:   "signature",
					Severity: types.SeverityBlocking,
					NodeID:   n.ID,
					Field:    "signer_email",
					Message:  fmt.Sprintf("signature node %s signer %q is not a valid address", n.ID, signer),
				})
			}
		}
		if n.ExpiresIn == 0 {
			issues = append(issues, types.PreflightIssue{
				Domain:            "signature",
				Severity:          types.SeverityWarning,
				NodeID:            n.ID,
				Field:             "expires_in",
				Message:           fmt.Sprintf("signature node %s has no expiry; the default applies", n.ID),
				RecommendedAction: "set expires_in explicitly",
			})
		}
	}
	return issues
}
