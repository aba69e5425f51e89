package translate

import (
	"context"
	"strings"

	"todosync/provider"

	"todosync/internal/store"
)

// Snapshot is the lookup state for one sync pass: every mapping set for the
// user plus the local and remote label catalogs. Build it once per pass; the
// orchestrator adds mappings it creates mid-pass so later translations see
// them.
type Snapshot struct {
	userID       string
	providerName string

	listMappings  map[string]*store.Mapping // project id → row
	listToExt     map[string]string         // local list id → project id
	labelMappings map[string]*store.Mapping // remote label id → row
	labelToExt    map[string]string         // local label id → remote label id
	listLabelRows map[string]*store.Mapping // remote label id → list-label row
	listLabelExt  map[string]string         // local list id → remote label id
	taskMappings  map[string]*store.Mapping // remote task id → row
	taskToExt     map[string]string         // local task id → remote task id

	localLabelByName map[string]string // lower(name) → local label id

	remoteLabelByID   map[string]provider.Label
	remoteLabelByName map[string]string // lower(name) → remote label id
}

// BuildSnapshot loads the user's mapping sets and local labels and indexes
// them together with the remote label catalog.
func BuildSnapshot(ctx context.Context, st *store.Store, userID, providerName string, remoteLabels []provider.Label) (*Snapshot, error) {
	snap := &Snapshot{
		userID:            userID,
		providerName:      providerName,
		listMappings:      make(map[string]*store.Mapping),
		listToExt:         make(map[string]string),
		labelMappings:     make(map[string]*store.Mapping),
		labelToExt:        make(map[string]string),
		listLabelRows:     make(map[string]*store.Mapping),
		listLabelExt:      make(map[string]string),
		taskMappings:      make(map[string]*store.Mapping),
		taskToExt:         make(map[string]string),
		localLabelByName:  make(map[string]string),
		remoteLabelByID:   make(map[string]provider.Label),
		remoteLabelByName: make(map[string]string),
	}

	for _, entityType := range []store.EntityType{store.EntityList, store.EntityLabel, store.EntityListLabel, store.EntityTask} {
		mappings, err := st.GetMappings(ctx, userID, providerName, entityType)
		if err != nil {
			return nil, err
		}
		for i := range mappings {
			snap.index(&mappings[i])
		}
	}

	labels, err := st.GetLabels(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, l := range labels {
		snap.localLabelByName[strings.ToLower(l.Name)] = l.ID
	}

	snap.SetRemoteLabels(remoteLabels)
	return snap, nil
}

// SetRemoteLabels replaces the remote label catalog.
func (s *Snapshot) SetRemoteLabels(labels []provider.Label) {
	s.remoteLabelByID = make(map[string]provider.Label, len(labels))
	s.remoteLabelByName = make(map[string]string, len(labels))
	for _, l := range labels {
		s.remoteLabelByID[l.ID] = l
		s.remoteLabelByName[strings.ToLower(l.Name)] = l.ID
	}
}

// AddLocalLabel registers a local label created mid-pass.
func (s *Snapshot) AddLocalLabel(label *store.Label) {
	s.localLabelByName[strings.ToLower(label.Name)] = label.ID
}

// Add indexes a mapping row created or refreshed mid-pass.
func (s *Snapshot) Add(m *store.Mapping) {
	s.index(m)
}

func (s *Snapshot) index(m *store.Mapping) {
	switch m.EntityType {
	case store.EntityList:
		s.listMappings[m.ExternalID] = m
		if m.LocalID != nil {
			s.listToExt[*m.LocalID] = m.ExternalID
		}
	case store.EntityLabel:
		s.labelMappings[m.ExternalID] = m
		if m.LocalID != nil {
			s.labelToExt[*m.LocalID] = m.ExternalID
		}
	case store.EntityListLabel:
		s.listLabelRows[m.ExternalID] = m
		if m.LocalID != nil {
			s.listLabelExt[*m.LocalID] = m.ExternalID
		}
	case store.EntityTask:
		s.taskMappings[m.ExternalID] = m
		if m.LocalID != nil {
			s.taskToExt[*m.LocalID] = m.ExternalID
		}
	}
}

// ExternalListID returns the project id a local list is mapped to.
func (s *Snapshot) ExternalListID(localListID string) (string, bool) {
	ext, ok := s.listToExt[localListID]
	return ext, ok
}

// LocalListID returns the local list a project is mapped to. The bool
// reports whether a mapping row exists at all; a nil result with a true
// bool means the project is explicitly ignored.
func (s *Snapshot) LocalListID(projectID string) (*string, bool) {
	m, ok := s.listMappings[projectID]
	if !ok {
		return nil, false
	}
	return m.LocalID, true
}

// ExternalTaskID returns the remote id a local task is mapped to.
func (s *Snapshot) ExternalTaskID(localTaskID string) (string, bool) {
	ext, ok := s.taskToExt[localTaskID]
	return ext, ok
}

// LocalTaskID returns the local task a remote task is mapped to. Bool
// semantics match LocalListID.
func (s *Snapshot) LocalTaskID(remoteTaskID string) (*string, bool) {
	m, ok := s.taskMappings[remoteTaskID]
	if !ok {
		return nil, false
	}
	return m.LocalID, true
}

// TaskMapping returns the full mapping row for a remote task id, nil if none.
func (s *Snapshot) TaskMapping(remoteTaskID string) *store.Mapping {
	return s.taskMappings[remoteTaskID]
}

// TaskMappings returns all indexed task mapping rows keyed by remote id.
func (s *Snapshot) TaskMappings() map[string]*store.Mapping {
	return s.taskMappings
}

// ListMappings returns all indexed list mapping rows keyed by project id.
func (s *Snapshot) ListMappings() map[string]*store.Mapping {
	return s.listMappings
}

// TaskPrecision returns the due precision recorded on a task mapping from
// the previous round-trip, empty when unknown.
func (s *Snapshot) TaskPrecision(remoteTaskID string) string {
	if m, ok := s.taskMappings[remoteTaskID]; ok {
		return m.DuePrecision
	}
	return ""
}

// RemoteLabelNameForLocal resolves a local label id to its mapped remote
// label's name. False when the label is unmapped or the remote label is
// gone from the catalog.
func (s *Snapshot) RemoteLabelNameForLocal(localLabelID string) (string, bool) {
	ext, ok := s.labelToExt[localLabelID]
	if !ok {
		return "", false
	}
	label, ok := s.remoteLabelByID[ext]
	if !ok {
		return "", false
	}
	return label.Name, true
}

// LocalLabelIDForRemote resolves a remote label name to a local label id:
// the id mapping wins, a mapping to null means explicitly ignored (no
// fallback), and an unmapped name falls back to a case-insensitive match
// against the user's labels.
func (s *Snapshot) LocalLabelIDForRemote(remoteName string) (string, bool) {
	if remoteID, known := s.remoteLabelByName[strings.ToLower(remoteName)]; known {
		if m, ok := s.labelMappings[remoteID]; ok {
			if m.LocalID == nil {
				return "", false
			}
			return *m.LocalID, true
		}
	}
	if localID, ok := s.localLabelByName[strings.ToLower(remoteName)]; ok {
		return localID, true
	}
	return "", false
}

// RemoteLabelForList returns the remote label name a local list routes
// through when the list is mapped to a label instead of a project. False
// when no list-label mapping covers the list or the label left the catalog.
func (s *Snapshot) RemoteLabelForList(localListID string) (string, bool) {
	remoteID, ok := s.listLabelExt[localListID]
	if !ok {
		return "", false
	}
	label, ok := s.remoteLabelByID[remoteID]
	if !ok {
		return "", false
	}
	return label.Name, true
}

// ListForRemoteLabel returns the list a remote label routes tasks into via
// a list-label mapping. The bool reports whether such a mapping exists.
func (s *Snapshot) ListForRemoteLabel(remoteName string) (*string, bool) {
	remoteID, known := s.remoteLabelByName[strings.ToLower(remoteName)]
	if !known {
		return nil, false
	}
	m, ok := s.listLabelRows[remoteID]
	if !ok {
		return nil, false
	}
	return m.LocalID, true
}
