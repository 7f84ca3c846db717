// Package rewrite post-processes pass-through responses from the vendor API
// so the client believes the account has full entitlements and sees the
// gateway's model catalog instead of the vendor's.
package rewrite

import (
	"encoding/json"
	"fmt"

	"raygate/internal/catalog"
	"raygate/internal/session"
)

// Entitlement fields forced on in every rewritten profile.
var entitlementFlags = []string{
	"eligible_for_pro_features",
	"has_active_subscription",
	"eligible_for_ai",
	"eligible_for_gpt4",
	"eligible_for_ai_citations",
	"eligible_for_developer_hub",
	"eligible_for_application_settings",
	"publishing_bot",
	"has_pro_features",
	"has_better_ai",
	"admin",
}

// Rewriter augments profile and model-list payloads. Only HTTP 200 bodies
// are ever handed to it; everything else passes through untouched upstream
// of this package.
type Rewriter struct {
	catalog  *catalog.Catalog
	sessions *session.Store
}

// New constructs a rewriter over the given catalog and session store.
func New(cat *catalog.Catalog, sessions *session.Store) *Rewriter {
	return &Rewriter{catalog: cat, sessions: sessions}
}

// Profile forces the entitlement flags on, disables the upgrade prompt and
// records a session for the bearer token using the profile's email field.
// All other fields pass through unchanged.
func (r *Rewriter) Profile(token string, body []byte) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode profile payload: %w", err)
	}

	for _, flag := range entitlementFlags {
		payload[flag] = true
	}
	payload["can_upgrade_to_pro"] = false

	if email, ok := payload["email"].(string); ok && email != "" {
		r.sessions.Record(token, email)
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode profile payload: %w", err)
	}
	return out, nil
}

// ModelList replaces the default_models and models fields with the
// gateway's catalog, leaving all other upstream fields untouched.
func (r *Rewriter) ModelList(body []byte) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode model list payload: %w", err)
	}

	payload["default_models"] = r.catalog.DefaultModels()
	payload["models"] = r.catalog.Models()

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode model list payload: %w", err)
	}
	return out, nil
}
