// Package mapper manages the identity links between local entities and their
// provider counterparts. A mapping row carries three states: no row means the
// entity is unknown, a row with a null local id means "explicitly not
// synced", and a row with a local id means the two sides are linked.
package mapper

import (
	"context"
	"strings"

	"todosync/provider"

	"todosync/internal/store"
	"todosync/internal/utils"
)

// MaxEntries bounds one SetMappings call.
const MaxEntries = 500

// Entry is one submitted mapping. A nil LocalID marks the external entity as
// explicitly ignored.
type Entry struct {
	ExternalID string  `json:"externalId"`
	LocalID    *string `json:"localId"`
}

// Mapper validates and persists mapping sets for one provider.
type Mapper struct {
	store        *store.Store
	providerName string
}

// New creates a Mapper for the given provider.
func New(st *store.Store, providerName string) *Mapper {
	return &Mapper{store: st, providerName: providerName}
}

// SetMappings replaces the full mapping set for (user, entityType) with
// entries. Validation rejects the whole set before any write: duplicate
// external ids first, then duplicate non-null local ids, then local ids that
// don't resolve to an entity owned by the user.
func (m *Mapper) SetMappings(ctx context.Context, userID string, entityType store.EntityType, entries []Entry) error {
	if !store.ValidEntityType(entityType) {
		return utils.Validationf("unknown entity type: %s", entityType)
	}
	if len(entries) > MaxEntries {
		return utils.Validationf("too many mappings: %d (limit %d)", len(entries), MaxEntries)
	}

	seenExternal := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.ExternalID == "" {
			return utils.Validationf("mapping with empty external id")
		}
		if seenExternal[e.ExternalID] {
			return utils.Validationf("duplicate external id in mapping set: %s", e.ExternalID)
		}
		seenExternal[e.ExternalID] = true
	}

	seenLocal := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.LocalID == nil {
			continue
		}
		if *e.LocalID == "" {
			return utils.Validationf("mapping for %s has an empty local id; use null to ignore the entity", e.ExternalID)
		}
		if seenLocal[*e.LocalID] {
			return utils.Validationf("duplicate local id in mapping set: %s", *e.LocalID)
		}
		seenLocal[*e.LocalID] = true
	}

	for _, e := range entries {
		if e.LocalID == nil {
			continue
		}
		if err := m.checkOwnership(ctx, userID, entityType, *e.LocalID); err != nil {
			return err
		}
	}

	mappings := make([]store.Mapping, 0, len(entries))
	for _, e := range entries {
		mappings = append(mappings, store.Mapping{
			UserID:     userID,
			Provider:   m.providerName,
			EntityType: entityType,
			ExternalID: e.ExternalID,
			LocalID:    e.LocalID,
		})
	}

	if err := m.store.ReplaceMappings(ctx, userID, m.providerName, entityType, mappings); err != nil {
		return err
	}
	utils.GetLogger().Debug("replaced %d %s mappings for user %s", len(mappings), entityType, userID)
	return nil
}

// checkOwnership resolves a local id against the user's own entities. A miss
// reads the same whether the entity doesn't exist or belongs to someone else.
func (m *Mapper) checkOwnership(ctx context.Context, userID string, entityType store.EntityType, localID string) error {
	switch entityType {
	case store.EntityList, store.EntityListLabel:
		list, err := m.store.GetList(ctx, userID, localID)
		if err != nil {
			return err
		}
		if list == nil {
			return utils.Validationf("list not found: %s", localID)
		}
	case store.EntityLabel:
		label, err := m.store.GetLabel(ctx, userID, localID)
		if err != nil {
			return err
		}
		if label == nil {
			return utils.Validationf("label not found: %s", localID)
		}
	case store.EntityTask:
		task, err := m.store.GetTask(ctx, userID, localID)
		if err != nil {
			return err
		}
		if task == nil {
			return utils.Validationf("task not found: %s", localID)
		}
	}
	return nil
}

// CreateMappingList creates a local list to receive tasks from an unmapped
// remote project. The slug is derived from the name and disambiguated with
// -2, -3, ... against the user's existing slugs; the list lands at the end
// of the user's ordering.
func (m *Mapper) CreateMappingList(ctx context.Context, userID, name string) (*store.List, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, utils.Validationf("list name cannot be blank")
	}

	slugs, err := m.store.ListSlugs(ctx, userID)
	if err != nil {
		return nil, err
	}
	slug := UniqueSlug(trimmed, slugs)

	maxPos, err := m.store.MaxListPosition(ctx, userID)
	if err != nil {
		return nil, err
	}

	return m.store.CreateList(ctx, userID, trimmed, slug, maxPos+1)
}

// ResolveLocalID returns the local id mapped to an external id, nil when the
// row is missing or explicitly unmapped.
func (m *Mapper) ResolveLocalID(ctx context.Context, userID string, entityType store.EntityType, externalID string) (*string, error) {
	mapping, err := m.store.GetMapping(ctx, userID, m.providerName, entityType, externalID)
	if err != nil || mapping == nil {
		return nil, err
	}
	return mapping.LocalID, nil
}

// ResolveExternalID returns the external id mapped to a local id, nil when
// no mapping points at it.
func (m *Mapper) ResolveExternalID(ctx context.Context, userID string, entityType store.EntityType, localID string) (*string, error) {
	mapping, err := m.store.GetMappingByLocal(ctx, userID, m.providerName, entityType, localID)
	if err != nil || mapping == nil {
		return nil, err
	}
	external := mapping.ExternalID
	return &external, nil
}

// Data is the mapping-management payload: everything a client needs to
// render mapping screens in one round trip.
type Data struct {
	RemoteProjects    []provider.Project `json:"remoteProjects"`
	RemoteLabels      []provider.Label   `json:"remoteLabels"`
	LocalLists        []store.List       `json:"localLists"`
	LocalLabels       []store.Label      `json:"localLabels"`
	ListMappings      []Entry            `json:"listMappings"`
	ListLabelMappings []Entry            `json:"listLabelMappings"`
	LabelMappings     []Entry            `json:"labelMappings"`
}

// MappingData assembles the management payload from the supplied remote
// metadata and the user's local state.
func (m *Mapper) MappingData(ctx context.Context, userID string, remoteProjects []provider.Project, remoteLabels []provider.Label) (*Data, error) {
	lists, err := m.store.GetLists(ctx, userID)
	if err != nil {
		return nil, err
	}
	labels, err := m.store.GetLabels(ctx, userID)
	if err != nil {
		return nil, err
	}

	data := &Data{
		RemoteProjects: remoteProjects,
		RemoteLabels:   remoteLabels,
		LocalLists:     lists,
		LocalLabels:    labels,
	}

	for _, entityType := range []store.EntityType{store.EntityList, store.EntityListLabel, store.EntityLabel} {
		mappings, err := m.store.GetMappings(ctx, userID, m.providerName, entityType)
		if err != nil {
			return nil, err
		}
		entries := make([]Entry, 0, len(mappings))
		for _, mp := range mappings {
			entries = append(entries, Entry{ExternalID: mp.ExternalID, LocalID: mp.LocalID})
		}
		switch entityType {
		case store.EntityList:
			data.ListMappings = entries
		case store.EntityListLabel:
			data.ListLabelMappings = entries
		case store.EntityLabel:
			data.LabelMappings = entries
		}
	}

	return data, nil
}
