// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package logmodel

import (
	"fmt"

	"github.com/lmerrick/auditpipe/internal/logging"
)

// Action kinds referenced directly by pipeline logic.
const (
	KindPushRepo = "push_repo"
	KindPullRepo = "pull_repo"
	KindRepoVerb = "repo_verb"
)

// pullClassKinds is the closed set of kinds subject to the relaxed pull
// strictness policy.
var pullClassKinds = map[string]struct{}{
	KindPullRepo: {},
	KindRepoVerb: {},
}

// IsPullClassKind reports whether the kind is a pull-class action.
func IsPullClassKind(kindName string) bool {
	_, ok := pullClassKinds[kindName]
	return ok
}

// DefaultKindNames is the closed enumeration of loggable registry actions.
// Adding a kind is a migration: deployments that persist kind IDs load the
// enumeration from their migration table instead and pass it to
// NewKindRegistry so IDs stay stable across releases.
func DefaultKindNames() []string {
	return []string{
		"account_change_plan",
		"account_change_password",
		"account_convert",
		"add_repo_notification",
		"add_repo_permission",
		"autoprune_tag_delete",
		"build_dockerfile",
		"cancel_build",
		"change_repo_permission",
		"change_repo_visibility",
		"change_tag_expiration",
		"create_application",
		"create_proxy_cache_config",
		"create_repo",
		"create_robot",
		"create_tag",
		"delete_application",
		"delete_proxy_cache_config",
		"delete_repo",
		"delete_repo_notification",
		"delete_repo_permission",
		"delete_repo_trigger",
		"delete_robot",
		"delete_tag",
		"login_failure",
		"login_success",
		"logout_success",
		"manifest_label_add",
		"manifest_label_delete",
		"move_tag",
		"org_add_team_member",
		"org_change_email",
		"org_change_name",
		"org_change_tag_expiration",
		"org_create",
		"org_create_quota",
		"org_create_team",
		"org_change_quota",
		"org_delete",
		"org_delete_quota",
		"org_delete_team",
		"org_delete_team_member_invite",
		"org_invite_team_member",
		"org_remove_team_member",
		"org_set_team_description",
		"org_set_team_role",
		"org_team_member_invite_accepted",
		"org_team_member_invite_declined",
		"permanently_delete_tag",
		KindPullRepo,
		KindPushRepo,
		"regenerate_robot_token",
		KindRepoVerb,
		"reset_application_client_secret",
		"reset_repo_notification",
		"revert_tag",
		"service_key_approve",
		"service_key_create",
		"service_key_delete",
		"service_key_extend",
		"service_key_modify",
		"service_key_rotate",
		"set_repo_description",
		"setup_repo_trigger",
		"start_build_trigger",
		"take_ownership",
		"toggle_repo_trigger",
	}
}

// KindRegistry is the process-wide action kind <-> kind ID mapping. It is
// built once at startup and immutable thereafter, so concurrent reads need
// no locking.
type KindRegistry struct {
	nameToID map[string]int
	idToName map[int]string
}

// NewKindRegistry builds a registry assigning IDs 1..n in slice order. The
// order therefore matters to deployments with persisted kind IDs.
func NewKindRegistry(names []string) *KindRegistry {
	r := &KindRegistry{
		nameToID: make(map[string]int, len(names)),
		idToName: make(map[int]string, len(names)),
	}
	for i, name := range names {
		id := i + 1
		r.nameToID[name] = id
		r.idToName[id] = name
	}
	return r
}

// NewKindRegistryFromMap builds a registry from persisted name->ID pairs.
func NewKindRegistryFromMap(nameToID map[string]int) *KindRegistry {
	r := &KindRegistry{
		nameToID: make(map[string]int, len(nameToID)),
		idToName: make(map[int]string, len(nameToID)),
	}
	for name, id := range nameToID {
		r.nameToID[name] = id
		r.idToName[id] = name
	}
	return r
}

// KindID resolves a kind name on the write path. Unknown names are an
// error: writes must never persist an unmapped kind.
func (r *KindRegistry) KindID(name string) (int, error) {
	id, ok := r.nameToID[name]
	if !ok {
		return 0, fmt.Errorf("unknown action kind %q", name)
	}
	return id, nil
}

// LookupID resolves a kind name on the read path. Unknown names map to 0
// with a logged warning, never a hard failure.
func (r *KindRegistry) LookupID(name string) int {
	id, ok := r.nameToID[name]
	if !ok {
		logging.Warn().Str("kind", name).Msg("unknown action kind on read")
		return 0
	}
	return id
}

// Len returns the number of registered kinds.
func (r *KindRegistry) Len() int {
	return len(r.nameToID)
}

// KindName resolves a kind ID back to its name, or "" when unknown.
func (r *KindRegistry) KindName(id int) string {
	return r.idToName[id]
}

// FilterIDs maps kind names to IDs for exclusion filters, skipping names
// the registry does not know.
func (r *KindRegistry) FilterIDs(names []string) []int {
	if len(names) == 0 {
		return nil
	}
	ids := make([]int, 0, len(names))
	for _, name := range names {
		if id, ok := r.nameToID[name]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
