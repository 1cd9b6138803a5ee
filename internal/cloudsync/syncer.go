package cloudsync

import (
	"context"
	"fmt"
	"time"
)

// DefaultWorkspace is the workspace name used when none is specified.
// Configured push restriction policies apply to this workspace only.
const DefaultWorkspace = "default"

// defaultNoCheckBackedUpLimit is the number of candidate heads above which
// the engine asks the service which of them it already has before pushing.
const defaultNoCheckBackedUpLimit = 4

// Config wires a Syncer to its collaborators.
type Config struct {
	Service   ReferenceService
	Storage   Storage
	States    StateStore
	Transport Transport // optional; without it missing commits stay omitted
	Logger    Logger    // nil means no logging
	Clock     Clock     // nil means real time

	RepoName  string
	Workspace string
	// HostID is the stable identifier of this machine, used as the suffix
	// of forked bookmark names.
	HostID string

	// MaxSyncAge omits cloud heads older than this many days. Nil disables
	// age filtering.
	MaxSyncAge *int
	// NoCheckBackedUpLimit overrides the push-size threshold above which
	// the server is consulted before transfer. Zero selects the default.
	NoCheckBackedUpLimit int
	// AuthorFilter, when set, restricts pushes from the default workspace
	// to commits authored by the given user.
	AuthorFilter string
	// CustomPushRevs is an additional configured push restriction for the
	// default workspace.
	CustomPushRevs string
}

// Syncer reconciles the local replica with the cloud workspace. It is the
// only component with cross-cutting control flow: everything else is driven
// from its convergence loop.
type Syncer struct {
	service   ReferenceService
	storage   Storage
	states    StateStore
	transport Transport
	logger    Logger
	clock     Clock

	repoName  string
	workspace string
	hostID    string

	maxSyncAge           *int
	noCheckBackedUpLimit int
	authorFilter         string
	customPushRevs       string
}

// New creates a Syncer from the given configuration.
func New(cfg Config) *Syncer {
	logger := cfg.Logger
	if logger == nil {
		logger = NewNopLogger()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	limit := cfg.NoCheckBackedUpLimit
	if limit <= 0 {
		limit = defaultNoCheckBackedUpLimit
	}
	return &Syncer{
		service:              cfg.Service,
		storage:              cfg.Storage,
		states:               cfg.States,
		transport:            cfg.Transport,
		logger:               logger,
		clock:                clock,
		repoName:             cfg.RepoName,
		workspace:            cfg.Workspace,
		hostID:               cfg.HostID,
		maxSyncAge:           cfg.MaxSyncAge,
		noCheckBackedUpLimit: limit,
		authorFilter:         cfg.AuthorFilter,
		customPushRevs:       cfg.CustomPushRevs,
	}
}

// Sync runs the convergence loop until the local replica and the cloud
// workspace agree on heads and bookmarks, or until an unrecoverable error.
// Version-conflict rejections from the service are retried internally and
// never surfaced.
//
// A *PartialSyncError is returned when the reference update itself succeeded
// but some heads could not be pushed.
func (s *Syncer) Sync(ctx context.Context, opts Options) (*Result, error) {
	start := s.clock.Now()
	s.logger.Info("synchronizing", "repo", s.repoName, "workspace", s.workspace)

	st, err := s.states.Load(ctx, s.workspace)
	if err != nil {
		return nil, fmt.Errorf("loading sync state: %w", err)
	}

	if opts.WorkspaceVersion > 0 && opts.WorkspaceVersion <= st.Version {
		s.logger.Info("this version has already been synchronized",
			"version", opts.WorkspaceVersion)
		return &Result{Status: StatusSkipped, Version: st.Version}, nil
	}

	maxAge := s.maxSyncAge
	if opts.Full {
		maxAge = nil
	}

	// If maxAge changed since the last sync, fetch from version 0 to get a
	// fresh copy of the full state.
	fetchVersion := st.Version
	if !maxAgeEqual(maxAge, st.MaxAge) {
		fetchVersion = 0
	}

	cloudrefs := opts.CloudRefs
	if cloudrefs == nil {
		cloudrefs, err = s.service.GetReferences(ctx, s.repoName, s.workspace, fetchVersion)
		if err != nil {
			return nil, fmt.Errorf("fetching cloud references: %w", err)
		}
	}

	restriction := s.pushRestriction(opts)

	checkedOut, err := s.storage.CheckedOut(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading working copy parent: %w", err)
	}

	appliedVersion := fetchVersion
	pushFailures := make(map[CommitID]bool)
	mutated := false
	synced := false
	for !synced {
		if cloudrefs.Version != appliedVersion {
			if err := s.applyCloudChanges(ctx, st, cloudrefs, maxAge); err != nil {
				return nil, err
			}
			appliedVersion = cloudrefs.Version
			mutated = true
		}

		// Omitted commits may have arrived since the last sync.
		if err := s.checkOmissions(ctx, st); err != nil {
			return nil, fmt.Errorf("rechecking omissions: %w", err)
		}

		localHeads, err := s.storage.Heads(ctx)
		if err != nil {
			return nil, fmt.Errorf("enumerating local heads: %w", err)
		}
		localBookmarks, err := s.storage.Bookmarks(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading local bookmarks: %w", err)
		}
		obsmarkers, err := s.storage.PendingObsMarkers(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading pending obsmarkers: %w", err)
		}

		// What we should have synced locally, minus deliberate omissions.
		syncedHeads := subtractCommitIDs(st.Heads, st.OmittedHeads)
		syncedBookmarks := make(map[string]CommitID, len(st.Bookmarks))
		omittedBookmarks := make(map[string]bool, len(st.OmittedBookmarks))
		for _, name := range st.OmittedBookmarks {
			omittedBookmarks[name] = true
		}
		for name, node := range st.Bookmarks {
			if !omittedBookmarks[name] {
				syncedBookmarks[name] = node
			}
		}

		if len(obsmarkers) == 0 {
			// With no obsmarkers to send, some commits visible in the
			// cloud workspace may have been hidden locally and need to be
			// revived.
			hidden, err := s.storage.HiddenAncestors(ctx, syncedHeads)
			if err != nil {
				return nil, fmt.Errorf("finding hidden cloud commits: %w", err)
			}
			if len(hidden) > 0 {
				s.logger.Debug("reviving cloud-visible commits", "count", len(hidden))
				if err := s.storage.Revive(ctx, hidden); err != nil {
					return nil, fmt.Errorf("reviving commits: %w", err)
				}
				mutated = true
				localHeads, err = s.storage.Heads(ctx)
				if err != nil {
					return nil, fmt.Errorf("enumerating local heads: %w", err)
				}
			}
		}

		if restriction != nil {
			allowed, err := s.allowedPushHeads(ctx, restriction)
			if err != nil {
				return nil, err
			}
			if len(allowed) == 0 {
				s.logger.Debug("push restriction matches nothing")
			}
			localHeads = s.filterPushSide(allowed, localHeads, st.Heads)
		}

		if commitIDsEqual(localHeads, syncedHeads) &&
			bookmarksEqual(localBookmarks, syncedBookmarks) &&
			st.Version != 0 && len(obsmarkers) == 0 {
			synced = true
			continue
		}

		// The local replica has changed; send the changes to the cloud.
		cloudrefs, st, err = s.pushLocalChanges(ctx, st, pushOutbound{
			opts:            opts,
			maxAge:          maxAge,
			localHeads:      localHeads,
			localBookmarks:  localBookmarks,
			syncedHeads:     syncedHeads,
			syncedBookmarks: syncedBookmarks,
			obsmarkers:      obsmarkers,
			failures:        pushFailures,
		})
		if err != nil {
			return nil, err
		}
		mutated = true
		synced = cloudrefs.Version == st.Version
	}

	result := &Result{Status: StatusSynced, Version: st.Version, PushFailures: len(pushFailures)}
	if !mutated {
		result.Status = StatusAlreadySynced
	}
	if checkedOut != "" {
		s.resolveMove(ctx, checkedOut, result)
	}

	s.logger.Debug("cloud sync completed", "elapsed", s.clock.Now().Sub(start).String())
	if len(pushFailures) > 0 {
		return result, &PartialSyncError{Failed: len(pushFailures)}
	}
	s.logger.Info("commits synchronized")
	return result, nil
}

// pushOutbound carries one iteration's outbound inputs.
type pushOutbound struct {
	opts            Options
	maxAge          *int
	localHeads      []CommitID
	localBookmarks  map[string]CommitID
	syncedHeads     []CommitID
	syncedBookmarks map[string]CommitID
	obsmarkers      []ObsMarker
	failures        map[CommitID]bool
}

// pushLocalChanges pushes missing commits, proposes the new cloud reference
// set, and attempts the optimistic update. On rejection the returned refs are
// the service's current references; the caller retries the loop with them.
// On acceptance the returned refs and state agree on the version.
func (s *Syncer) pushLocalChanges(ctx context.Context, st *SyncState, out pushOutbound) (*CloudRefs, *SyncState, error) {
	localHeads := out.localHeads
	localBookmarks := out.localBookmarks

	// Heads the cloud has not recorded yet.
	newHeads := subtractCommitIDs(localHeads, st.Heads)

	// If we are pushing a lot it makes sense to ask the server what it
	// already has first.
	if len(newHeads) > 0 && (out.opts.CheckBackedUp || len(newHeads) > s.noCheckBackedUpLimit) {
		filtered, err := s.service.FilterPushedHeads(ctx, s.repoName, newHeads)
		if err != nil {
			return nil, nil, fmt.Errorf("filtering pushed heads: %w", err)
		}
		newHeads = filtered
	}

	allPushed := len(newHeads) == 0 && bookmarksEqual(localBookmarks, out.syncedBookmarks)

	var failedHeads []CommitID
	if !allPushed {
		oldHeads := subtractCommitIDs(st.Heads, st.OmittedHeads)
		if err := s.logBackingUp(ctx, newHeads, oldHeads); err != nil {
			return nil, nil, err
		}
		if s.transport != nil {
			var err error
			failedHeads, err = s.transport.Push(ctx, newHeads)
			if err != nil {
				return nil, nil, fmt.Errorf("pushing commits: %w", err)
			}
			newHeads = subtractCommitIDs(newHeads, failedHeads)
		} else if len(newHeads) > 0 {
			failedHeads = newHeads
			newHeads = nil
		}
	}

	if len(failedHeads) > 0 {
		for _, h := range failedHeads {
			out.failures[h] = true
		}
		var err error
		localHeads, localBookmarks, err = s.rollbackFailedPush(ctx, st, newHeads, out.syncedHeads, failedHeads, localBookmarks)
		if err != nil {
			return nil, nil, err
		}
	}

	// Work out the new cloud heads and bookmarks by merging in the omitted
	// items. The recorded head ordering is preserved so that derived
	// summaries generally match across replicas.
	localHeadSet := make(map[CommitID]bool, len(localHeads))
	for _, h := range localHeads {
		localHeadSet[h] = true
	}
	keep := make(map[CommitID]bool, len(localHeads)+len(st.OmittedHeads))
	for h := range localHeadSet {
		keep[h] = true
	}
	for _, h := range st.OmittedHeads {
		keep[h] = true
	}
	var newCloudHeads []CommitID
	seen := make(map[CommitID]bool)
	for _, h := range st.Heads {
		if keep[h] && !seen[h] {
			newCloudHeads = append(newCloudHeads, h)
			seen[h] = true
		}
	}
	for _, h := range localHeads {
		if !seen[h] {
			newCloudHeads = append(newCloudHeads, h)
			seen[h] = true
		}
	}

	newCloudBookmarks := make(map[string]CommitID, len(localBookmarks))
	for name, node := range localBookmarks {
		newCloudBookmarks[name] = node
	}
	for _, name := range st.OmittedBookmarks {
		if _, ok := newCloudBookmarks[name]; ok {
			continue
		}
		if node, ok := st.Bookmarks[name]; ok {
			newCloudBookmarks[name] = node
		}
	}

	var newOmittedHeads []CommitID
	for _, h := range newCloudHeads {
		if !localHeadSet[h] {
			newOmittedHeads = append(newOmittedHeads, h)
		}
	}
	var newOmittedBookmarks []string
	for name := range newCloudBookmarks {
		if _, ok := localBookmarks[name]; !ok {
			newOmittedBookmarks = append(newOmittedBookmarks, name)
		}
	}

	s.logger.Info("finishing synchronization", "workspace", s.workspace)
	oldBookmarkNames := make([]string, 0, len(st.Bookmarks))
	for name := range st.Bookmarks {
		oldBookmarkNames = append(oldBookmarkNames, name)
	}
	res, err := s.service.UpdateReferences(ctx, UpdateRequest{
		RepoName:     s.repoName,
		Workspace:    s.workspace,
		Version:      st.Version,
		OldHeads:     st.Heads,
		NewHeads:     newCloudHeads,
		OldBookmarks: oldBookmarkNames,
		NewBookmarks: newCloudBookmarks,
		ObsMarkers:   out.obsmarkers,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("updating cloud references: %w", err)
	}

	if !res.Accepted {
		// Someone else updated the workspace concurrently. Adopt the
		// current references and re-run the merge; conflicts are narrow
		// races, so no backoff is applied.
		s.logger.Debug("reference update rejected, retrying", "current_version", res.Refs.Version)
		return res.Refs, st, nil
	}

	st.Version = res.Refs.Version
	st.Heads = newCloudHeads
	st.Bookmarks = newCloudBookmarks
	st.OmittedHeads = newOmittedHeads
	st.OmittedBookmarks = newOmittedBookmarks
	st.MaxAge = out.maxAge
	if err := s.states.Save(ctx, s.workspace, st); err != nil {
		return nil, nil, fmt.Errorf("saving sync state: %w", err)
	}
	if len(out.obsmarkers) > 0 {
		if err := s.storage.ClearPendingObsMarkers(ctx); err != nil {
			return nil, nil, fmt.Errorf("clearing pending obsmarkers: %w", err)
		}
	}
	return res.Refs, st, nil
}

// rollbackFailedPush works out what is actually available on the server after
// a partial push failure, and reverts any bookmark pointing at an unpushed
// commit to its last recorded cloud value (or drops it if it had none).
func (s *Syncer) rollbackFailedPush(ctx context.Context, st *SyncState, pushed, syncedHeads, failedHeads []CommitID, localBookmarks map[string]CommitID) ([]CommitID, map[string]CommitID, error) {
	localHeads, err := s.storage.AvailableHeads(ctx, pushed, syncedHeads)
	if err != nil {
		return nil, nil, fmt.Errorf("computing available heads: %w", err)
	}

	failedAncestors, err := s.storage.DraftAncestors(ctx, failedHeads)
	if err != nil {
		return nil, nil, fmt.Errorf("computing failed commits: %w", err)
	}
	availableAncestors, err := s.storage.DraftAncestors(ctx, localHeads)
	if err != nil {
		return nil, nil, fmt.Errorf("computing available commits: %w", err)
	}
	available := make(map[CommitID]bool, len(availableAncestors))
	for _, id := range availableAncestors {
		available[id] = true
	}
	failedCommits := make(map[CommitID]bool)
	for _, id := range failedAncestors {
		if !available[id] {
			failedCommits[id] = true
		}
	}

	bookmarks := make(map[string]CommitID, len(localBookmarks))
	for name, node := range localBookmarks {
		bookmarks[name] = node
	}
	for name, node := range bookmarks {
		if failedCommits[node] {
			if prev, ok := st.Bookmarks[name]; ok {
				bookmarks[name] = prev
			} else {
				delete(bookmarks, name)
			}
		}
	}
	return localHeads, bookmarks, nil
}

// logBackingUp reports how many commits this round will transfer.
func (s *Syncer) logBackingUp(ctx context.Context, newHeads, oldHeads []CommitID) error {
	if len(newHeads) == 0 {
		return nil
	}
	newAncestors, err := s.storage.DraftAncestors(ctx, newHeads)
	if err != nil {
		return fmt.Errorf("computing outgoing commits: %w", err)
	}
	oldAncestors, err := s.storage.DraftAncestors(ctx, oldHeads)
	if err != nil {
		return fmt.Errorf("computing synced commits: %w", err)
	}
	backingUp := subtractCommitIDs(newAncestors, oldAncestors)
	if len(backingUp) == 1 {
		s.logger.Info("backing up commit", "commit", short(backingUp[0]))
	} else {
		s.logger.Info("backing up commits", "count", len(backingUp))
	}
	return nil
}

// applyCloudChanges brings the local replica up to the given cloud reference
// version: missing heads are pulled (subject to the age filter), bookmarks
// are three-way merged, and cloud obsmarkers are union-merged, all inside one
// local transaction. The sync state is then advanced to the cloud version.
func (s *Syncer) applyCloudChanges(ctx context.Context, st *SyncState, cloudrefs *CloudRefs, maxAge *int) error {
	var newHeads []CommitID
	for _, head := range cloudrefs.Heads {
		present, err := s.storage.HasCommit(ctx, head)
		if err != nil {
			return fmt.Errorf("checking head presence: %w", err)
		}
		if !present {
			newHeads = append(newHeads, head)
		}
	}

	var omittedHeads []CommitID
	if maxAge != nil && *maxAge >= 0 {
		minDate := s.clock.Now().Add(-time.Duration(*maxAge) * 24 * time.Hour)
		var kept []CommitID
		for _, head := range newHeads {
			if date, ok := cloudrefs.HeadDates[head]; ok && date.Before(minDate) {
				omittedHeads = append(omittedHeads, head)
			} else {
				kept = append(kept, head)
			}
		}
		newHeads = kept
	}

	if len(newHeads) == 1 {
		s.logger.Info("pulling commit", "commit", short(newHeads[0]))
	} else if len(newHeads) > 1 {
		s.logger.Info("pulling new heads", "count", len(newHeads))
	}

	if len(newHeads) > 0 {
		if s.transport != nil {
			if err := s.transport.Pull(ctx, newHeads); err != nil {
				return fmt.Errorf("pulling commits: %w", err)
			}
		} else {
			// No transport capability: the heads stay omitted until they
			// become available by other means.
			omittedHeads = append(omittedHeads, newHeads...)
		}
	}

	localBookmarks, err := s.storage.Bookmarks(ctx)
	if err != nil {
		return fmt.Errorf("reading local bookmarks: %w", err)
	}
	has := func(id CommitID) bool {
		present, hasErr := s.storage.HasCommit(ctx, id)
		if hasErr != nil {
			err = hasErr
			return false
		}
		return present
	}
	changes, omittedBookmarks := mergeBookmarks(s.logger, s.hostID, localBookmarks, cloudrefs.Bookmarks, st, has)
	if err != nil {
		return fmt.Errorf("checking bookmark targets: %w", err)
	}

	changeSet := ChangeSet{Bookmarks: changes, ObsMarkers: cloudrefs.ObsMarkers}
	if !changeSet.Empty() {
		if err := s.storage.Apply(ctx, changeSet); err != nil {
			return fmt.Errorf("applying cloud changes: %w", err)
		}
	}

	// The repo now reflects the cloud version. Record it.
	st.Version = cloudrefs.Version
	st.Heads = append([]CommitID(nil), cloudrefs.Heads...)
	st.Bookmarks = make(map[string]CommitID, len(cloudrefs.Bookmarks))
	for name, node := range cloudrefs.Bookmarks {
		st.Bookmarks[name] = node
	}
	st.OmittedHeads = omittedHeads
	st.OmittedBookmarks = omittedBookmarks
	st.MaxAge = maxAge
	if err := s.states.Save(ctx, s.workspace, st); err != nil {
		return fmt.Errorf("saving sync state: %w", err)
	}
	return nil
}

// resolveMove reports whether the checked-out commit has been superseded
// during the sync, and by what.
func (s *Syncer) resolveMove(ctx context.Context, checkedOut CommitID, result *Result) {
	successors, err := s.storage.SuccessorsOf(ctx, checkedOut)
	if err != nil || len(successors) == 0 {
		return
	}
	destination, err := FindDestination(ctx, s.storage, checkedOut)
	if err != nil || destination == "" || destination == checkedOut {
		return
	}
	present, err := s.storage.HasCommit(ctx, destination)
	if err != nil || !present {
		return
	}
	s.logger.Info("current revision has been moved remotely",
		"from", short(checkedOut), "to", short(destination))
	result.MovedTo = destination
}

func subtractCommitIDs(a, b []CommitID) []CommitID {
	remove := make(map[CommitID]bool, len(b))
	for _, id := range b {
		remove[id] = true
	}
	var out []CommitID
	for _, id := range a {
		if !remove[id] {
			out = append(out, id)
		}
	}
	return out
}

func bookmarksEqual(a, b map[string]CommitID) bool {
	if len(a) != len(b) {
		return false
	}
	for name, node := range a {
		if b[name] != node {
			return false
		}
	}
	return true
}

func maxAgeEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func short(id CommitID) string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}
