// Package translate converts tasks between the local schema and the provider
// wire shape, applying the user's entity mappings. Conversions are pure: all
// lookup state is carried in a Snapshot built once per sync pass.
package translate

import (
	"time"

	"todosync/provider"

	"todosync/internal/store"
)

const dateLayout = "2006-01-02"

// LocalPatch is the local-side result of translating a remote task: every
// mutable field, ready to apply to a store task. A nil ListID means no
// mapped placement was found.
type LocalPatch struct {
	Title           string
	Description     string
	Priority        int
	Completed       bool
	CompletedAt     *time.Time
	DueDate         *time.Time
	DuePrecision    string
	Deadline        *time.Time
	EstimateMinutes int
	Recurring       bool
	RecurringRule   string
	ListID          *string
	ParentID        string
	LabelIDs        []string
}

// ToRemote translates a local task into the provider payload shape.
//
// Lossy by contract: labels without a mapping are dropped from the payload,
// an unmapped list leaves ProjectID empty (the provider uses its inbox), and
// an unmapped parent creates the task at the project root. A list mapped to
// a remote label instead of a project routes through that label.
func ToRemote(task *store.Task, snap *Snapshot) *provider.TaskPayload {
	payload := &provider.TaskPayload{
		Content:     task.Title,
		Description: task.Description,
		Priority:    localToRemotePriority(task.Priority),
	}

	if ext, ok := snap.ExternalListID(task.ListID); ok {
		payload.ProjectID = ext
	} else if name, ok := snap.RemoteLabelForList(task.ListID); ok {
		payload.Labels = append(payload.Labels, name)
	}
	if task.ParentID != "" {
		if ext, ok := snap.ExternalTaskID(task.ParentID); ok {
			payload.ParentID = ext
		}
	}

	for _, labelID := range task.LabelIDs {
		if name, ok := snap.RemoteLabelNameForLocal(labelID); ok && !containsLabel(payload.Labels, name) {
			payload.Labels = append(payload.Labels, name)
		}
	}

	if task.Recurring && task.RecurringRule != "" {
		payload.DueText = task.RecurringRule
	} else if task.DueDate != nil {
		payload.DueDate = CollapseDue(*task.DueDate, task.DuePrecision).Format(dateLayout)
	}

	if task.Deadline != nil {
		payload.DeadlineDate = task.Deadline.Format(dateLayout)
	}

	if task.EstimateMinutes > 0 {
		payload.DurationAmount = task.EstimateMinutes
		payload.DurationUnit = "minute"
	}

	return payload
}

// ToLocal translates a remote task into a local patch.
//
// Labels resolve through the id mapping first, then fall back to a
// case-insensitive name match against the user's labels; remote labels
// mapped to null are skipped without fallback. Placement prefers a
// list-label mapping carried by one of the task's labels over the project
// mapping.
func ToLocal(remote *provider.Task, snap *Snapshot) *LocalPatch {
	patch := &LocalPatch{
		Title:       remote.Content,
		Description: remote.Description,
		Priority:    remoteToLocalPriority(remote.Priority),
		Completed:   remote.Completed,
		CompletedAt: remote.CompletedAt,
	}

	if remote.Due != nil {
		patch.DueDate, patch.DuePrecision = dueFromRemote(remote.Due, snap.TaskPrecision(remote.ID))
		patch.Recurring = remote.Due.IsRecurring
		if remote.Due.IsRecurring {
			patch.RecurringRule = remote.Due.Text
		}
	}

	if remote.Deadline != nil && remote.Deadline.Date != "" {
		if d, err := time.Parse(dateLayout, remote.Deadline.Date); err == nil {
			patch.Deadline = &d
		}
	}

	if remote.Duration != nil {
		patch.EstimateMinutes = durationMinutes(remote.Duration)
	}

	for _, name := range remote.Labels {
		if localID, ok := snap.LocalLabelIDForRemote(name); ok {
			patch.LabelIDs = append(patch.LabelIDs, localID)
		}
	}

	patch.ListID = placement(remote, snap)

	if remote.ParentID != "" {
		if localParent, ok := snap.LocalTaskID(remote.ParentID); ok && localParent != nil {
			patch.ParentID = *localParent
		}
	}

	return patch
}

// placement picks the local list for a remote task: a list-label mapping on
// one of its labels wins over the project mapping.
func placement(remote *provider.Task, snap *Snapshot) *string {
	for _, name := range remote.Labels {
		if listID, ok := snap.ListForRemoteLabel(name); ok && listID != nil {
			return listID
		}
	}
	if localID, ok := snap.LocalListID(remote.ProjectID); ok {
		return localID
	}
	return nil
}

// CollapseDue reduces a date to the single remote date its precision
// represents: week truncates to Monday, month to the 1st, year to Jan 1,
// day and unset pass through.
func CollapseDue(date time.Time, precision string) time.Time {
	switch precision {
	case store.PrecisionWeek:
		// Monday-based week start
		delta := (int(date.Weekday()) + 6) % 7
		d := date.AddDate(0, 0, -delta)
		return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
	case store.PrecisionMonth:
		return time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, date.Location())
	case store.PrecisionYear:
		return time.Date(date.Year(), time.January, 1, 0, 0, 0, 0, date.Location())
	default:
		return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	}
}

// MatchesBoundary reports whether a date sits on the boundary form its
// precision collapses to.
func MatchesBoundary(date time.Time, precision string) bool {
	switch precision {
	case store.PrecisionWeek:
		return date.Weekday() == time.Monday
	case store.PrecisionMonth:
		return date.Day() == 1
	case store.PrecisionYear:
		return date.Month() == time.January && date.Day() == 1
	}
	return false
}

// dueFromRemote reconstructs the local due date and precision. A datetime
// always means day precision. A bare date keeps the precision recorded on
// the task mapping when the date still sits on that precision's boundary;
// any other date means the remote side moved it, which reads as day.
func dueFromRemote(due *provider.Due, recordedPrecision string) (*time.Time, string) {
	if due.Datetime != "" {
		if dt, err := time.Parse(time.RFC3339, due.Datetime); err == nil {
			return &dt, store.PrecisionDay
		}
	}
	if due.Date == "" {
		return nil, ""
	}

	d, err := time.Parse(dateLayout, due.Date)
	if err != nil {
		return nil, ""
	}

	switch recordedPrecision {
	case store.PrecisionWeek, store.PrecisionMonth, store.PrecisionYear:
		if MatchesBoundary(d, recordedPrecision) {
			return &d, recordedPrecision
		}
	}
	return &d, store.PrecisionDay
}

func containsLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

// durationMinutes normalizes a remote duration to minutes.
func durationMinutes(d *provider.Duration) int {
	if d.Unit == "day" {
		return d.Amount * 24 * 60
	}
	return d.Amount
}

// localToRemotePriority converts the local 0-9 scale (1 highest, 0 unset) to
// the provider's 1-4 scale (4 highest, 1 none).
func localToRemotePriority(local int) int {
	switch {
	case local <= 0:
		return 1
	case local <= 2:
		return 4
	case local <= 4:
		return 3
	case local <= 6:
		return 2
	default:
		return 1
	}
}

// remoteToLocalPriority converts the provider's 1-4 scale back to local 0-9.
func remoteToLocalPriority(remote int) int {
	switch remote {
	case 4:
		return 1
	case 3:
		return 3
	case 2:
		return 5
	default:
		return 7
	}
}
