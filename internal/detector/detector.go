// Package detector compares a discovered repository snapshot against the
// persisted state and produces the ChangeSet the synchronizer applies.
// Detection is pure computation over its inputs; it reads nothing and
// writes nothing.
package detector

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/prwarden/prwarden/internal/discovery"
	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/github"
	"github.com/prwarden/prwarden/internal/pipeline"
)

// Stored is the read-only view of a repository's persisted state.
type Stored struct {
	PRs    []domain.PullRequest
	Checks map[uuid.UUID][]domain.CheckRun // keyed by PR id
}

// NewPR is a pull request seen for the first time.
type NewPR struct {
	Remote       github.RemotePR
	InitialState string // pipeline state for the first history row
}

// PRUpdate enumerates the changed fields of an existing PR.
type PRUpdate struct {
	PRID          uuid.UUID
	Remote        github.RemotePR
	ChangedFields []string
}

// PRClose marks a stored-open PR the hosting platform reports closed or
// merged.
type PRClose struct {
	PRID     uuid.UUID
	NewState domain.PRState
	MergedAt *time.Time
}

// NewCheck is a check run seen for the first time, keyed to its PR by
// number so checks of brand-new PRs can be attached before an id exists.
type NewCheck struct {
	PRNumber int
	Check    github.RemoteCheck
}

// CheckUpdate enumerates the changed fields of an existing check run.
type CheckUpdate struct {
	CheckID       uuid.UUID
	PRNumber      int
	Check         github.RemoteCheck
	ChangedFields []string
}

// StateTransition is a pending state-history row.
type StateTransition struct {
	PRNumber      int
	PRID          uuid.UUID // zero for new PRs
	PreviousState *string
	NewState      string
	Trigger       domain.Trigger
	Metadata      map[string]string
}

// ChangeSet is everything the synchronizer must apply for one repository.
type ChangeSet struct {
	RepositoryID     uuid.UUID
	NewPRs           []NewPR
	UpdatedPRs       []PRUpdate
	ClosedPRs        []PRClose
	NewChecks        []NewCheck
	UpdatedChecks    []CheckUpdate
	StateTransitions []StateTransition
}

// Empty reports whether the changeset carries no work.
func (c *ChangeSet) Empty() bool {
	return len(c.NewPRs) == 0 && len(c.UpdatedPRs) == 0 && len(c.ClosedPRs) == 0 &&
		len(c.NewChecks) == 0 && len(c.UpdatedChecks) == 0 && len(c.StateTransitions) == 0
}

// Detect diffs a snapshot against the stored state. PRs absent from the
// snapshot are left untouched: removal is an operator action, never an
// inference.
func Detect(repoID uuid.UUID, snap *discovery.Snapshot, stored Stored) *ChangeSet {
	cs := &ChangeSet{RepositoryID: repoID}

	byNumber := make(map[int]*domain.PullRequest, len(stored.PRs))
	for i := range stored.PRs {
		byNumber[stored.PRs[i].Number] = &stored.PRs[i]
	}

	for _, dp := range snap.PRs {
		remote := dp.PR
		existing, ok := byNumber[remote.Number]
		if !ok {
			initial := stateForHosting(remote.State)
			cs.NewPRs = append(cs.NewPRs, NewPR{Remote: remote, InitialState: initial})
			cs.StateTransitions = append(cs.StateTransitions, StateTransition{
				PRNumber: remote.Number,
				NewState: initial,
				Trigger:  triggerForNew(remote.State),
			})
			diffChecks(cs, remote.Number, nil, dp.Checks)
			continue
		}

		if fields := changedFields(existing, remote); len(fields) > 0 {
			cs.UpdatedPRs = append(cs.UpdatedPRs, PRUpdate{
				PRID:          existing.ID,
				Remote:        remote,
				ChangedFields: fields,
			})
		}

		if existing.State != remote.State {
			trigger := inferTrigger(existing, remote)
			prev := existing.PipelineState
			cs.StateTransitions = append(cs.StateTransitions, StateTransition{
				PRNumber:      remote.Number,
				PRID:          existing.ID,
				PreviousState: &prev,
				NewState:      stateForHosting(remote.State),
				Trigger:       trigger,
			})
			if remote.State != domain.PRStateOpened {
				cs.ClosedPRs = append(cs.ClosedPRs, PRClose{
					PRID:     existing.ID,
					NewState: remote.State,
					MergedAt: remote.MergedAt,
				})
			}
		}

		diffChecks(cs, remote.Number, stored.Checks[existing.ID], dp.Checks)
	}

	return cs
}

// changedFields compares the observable PR fields byte-equal. A change in
// updated_at alone produces no update.
func changedFields(cur *domain.PullRequest, remote github.RemotePR) []string {
	var fields []string
	if cur.Title != remote.Title {
		fields = append(fields, "title")
	}
	if cur.Author != remote.Author {
		fields = append(fields, "author")
	}
	if cur.Draft != remote.Draft {
		fields = append(fields, "draft")
	}
	if cur.BaseBranch != remote.BaseBranch {
		fields = append(fields, "base_branch")
	}
	if cur.HeadBranch != remote.HeadBranch {
		fields = append(fields, "head_branch")
	}
	if cur.BaseSHA != remote.BaseSHA {
		fields = append(fields, "base_sha")
	}
	if cur.HeadSHA != remote.HeadSHA {
		fields = append(fields, "head_sha")
	}
	if !equalLabels(cur.Metadata.Labels, remote.Labels) {
		fields = append(fields, "metadata")
	}
	return fields
}

func equalLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// inferTrigger classifies a hosting-state change.
func inferTrigger(cur *domain.PullRequest, remote github.RemotePR) domain.Trigger {
	switch {
	case remote.State == domain.PRStateClosed || remote.State == domain.PRStateMerged:
		return domain.TriggerClosed
	case cur.State != domain.PRStateOpened && remote.State == domain.PRStateOpened:
		return domain.TriggerReopened
	case onlyHeadChanged(cur, remote):
		return domain.TriggerSynchronize
	default:
		return domain.TriggerEdited
	}
}

func onlyHeadChanged(cur *domain.PullRequest, remote github.RemotePR) bool {
	fields := changedFields(cur, remote)
	for _, f := range fields {
		if f != "head_sha" && f != "head_branch" {
			return false
		}
	}
	return len(fields) > 0
}

// diffChecks matches discovered check runs against stored ones by external
// id. Stored checks absent from the snapshot are retained as-is.
func diffChecks(cs *ChangeSet, prNumber int, stored []domain.CheckRun, discovered []github.RemoteCheck) {
	byExternal := make(map[string]*domain.CheckRun, len(stored))
	for i := range stored {
		byExternal[stored[i].ExternalID] = &stored[i]
	}

	for _, check := range dedupeChecks(discovered) {
		existing, ok := byExternal[check.ExternalID]
		if !ok {
			cs.NewChecks = append(cs.NewChecks, NewCheck{PRNumber: prNumber, Check: check})
			continue
		}
		if fields := changedCheckFields(existing, check); len(fields) > 0 {
			cs.UpdatedChecks = append(cs.UpdatedChecks, CheckUpdate{
				CheckID:       existing.ID,
				PRNumber:      prNumber,
				Check:         check,
				ChangedFields: fields,
			})
		}
	}
}

// dedupeChecks collapses duplicate external ids to one record: the most
// recently completed (then started) wins, lexicographic external-id order
// breaking exact ties for determinism.
func dedupeChecks(checks []github.RemoteCheck) []github.RemoteCheck {
	if len(checks) < 2 {
		return checks
	}
	ordered := make([]github.RemoteCheck, len(checks))
	copy(ordered, checks)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, tj := checkRecency(ordered[i]), checkRecency(ordered[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ordered[i].ExternalID < ordered[j].ExternalID
	})

	seen := make(map[string]int, len(ordered))
	var out []github.RemoteCheck
	for _, c := range ordered {
		if idx, dup := seen[c.ExternalID]; dup {
			out[idx] = c // later record wins
			continue
		}
		seen[c.ExternalID] = len(out)
		out = append(out, c)
	}
	return out
}

func checkRecency(c github.RemoteCheck) time.Time {
	if c.CompletedAt != nil {
		return c.CompletedAt.UTC()
	}
	if c.StartedAt != nil {
		return c.StartedAt.UTC()
	}
	return time.Time{}
}

func changedCheckFields(cur *domain.CheckRun, remote github.RemoteCheck) []string {
	var fields []string
	if cur.Status != remote.Status {
		fields = append(fields, "status")
	}
	if cur.Conclusion != remote.Conclusion {
		fields = append(fields, "conclusion")
	}
	if !equalTime(cur.StartedAt, remote.StartedAt) {
		fields = append(fields, "started_at")
	}
	if !equalTime(cur.CompletedAt, remote.CompletedAt) {
		fields = append(fields, "completed_at")
	}
	if cur.DetailsURL != remote.DetailsURL {
		fields = append(fields, "details_url")
	}
	return fields
}

// equalTime compares optional timestamps in UTC; absence is distinct from
// the zero value.
func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.UTC().Equal(b.UTC())
}

func stateForHosting(s domain.PRState) string {
	return string(pipeline.StateForHosting(s))
}

func triggerForNew(s domain.PRState) domain.Trigger {
	if s == domain.PRStateClosed || s == domain.PRStateMerged {
		return domain.TriggerClosed
	}
	return domain.TriggerOpened
}
