package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/database"
	"tasksync/internal/identity"
	"tasksync/internal/metrics"
	"tasksync/internal/models"
	"tasksync/internal/zimbra"

	"github.com/rs/zerolog"
)

// RemoteLister is the read side of the remote task service.
type RemoteLister interface {
	ListTasks(ctx context.Context, account string) ([]zimbra.TaskSnapshot, error)
}

// Reconciler periodically pulls the remote task list for every sync-enabled
// user and merges it into local state: linked tasks take the remote
// completion state per the merge policy, unlinked remote tasks are imported
// once. It shares nothing with the outbound worker except the database.
type Reconciler struct {
	db       *database.DB
	remote   RemoteLister
	policy   MergePolicy
	interval time.Duration
	logger   zerolog.Logger
}

func NewReconciler(db *database.DB, remote RemoteLister, policy MergePolicy, syncCfg config.SyncConfig, logger *zerolog.Logger) *Reconciler {
	if policy == nil {
		policy = RemoteAuthoritative{}
	}
	interval := time.Duration(syncCfg.ReconcileIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		db:       db,
		remote:   remote,
		policy:   policy,
		interval: interval,
		logger:   logger.With().Str("component", "reconciler").Str("policy", policy.Name()).Logger(),
	}
}

// Start runs one cycle immediately, then one per interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")
	defer r.logger.Info().Msg("reconciler stopped")

	r.RunCycle(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle reconciles every sync-enabled user. A failing user is logged and
// skipped; the cycle always finishes the list.
func (r *Reconciler) RunCycle(ctx context.Context) {
	users, err := r.db.GetSyncEnabledUsers(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("list sync-enabled users")
		metrics.IncReconcileCycle("error")
		return
	}

	for i := range users {
		user := &users[i]
		if err := r.reconcileUser(ctx, user); err != nil {
			r.logger.Warn().Err(err).Str("account", user.Email).Msg("reconciliation failed for user")
			metrics.IncReconcileCycle("error")
			continue
		}
		metrics.IncReconcileCycle("ok")
	}
}

func (r *Reconciler) reconcileUser(ctx context.Context, user *models.User) error {
	snapshots, err := r.remote.ListTasks(ctx, user.Email)
	if err != nil {
		return fmt.Errorf("list remote tasks: %w", err)
	}
	// An empty listing is indistinguishable from a remote outage that
	// returned nothing; skip rather than treat it as mass deletion.
	if len(snapshots) == 0 {
		return nil
	}

	refs := make([]identity.Ref, len(snapshots))
	for i, snap := range snapshots {
		refs[i] = identity.Ref{ItemID: snap.ItemID, UID: snap.UID}
	}
	index := identity.NewIndex(refs)
	seen := make(map[string]bool)

	if err := r.mergeLinked(ctx, user, snapshots, refs, index, seen); err != nil {
		return err
	}
	return r.importUnseen(ctx, user, snapshots, refs, seen)
}

// mergeLinked walks the user's linked assignments, resolves each stored
// identifier against the snapshot index and applies the merge policy.
// Unresolvable identifiers still mark every extractable form as seen, so a
// renumbered or deleted remote item is never re-imported as new.
func (r *Reconciler) mergeLinked(ctx context.Context, user *models.User, snapshots []zimbra.TaskSnapshot, refs []identity.Ref, index *identity.Index, seen map[string]bool) error {
	assignments, err := r.db.GetLinkedAssignments(ctx, user.ID)
	if err != nil {
		return err
	}

	for _, a := range assignments {
		for _, key := range identity.CandidateKeys(a.RemoteTaskID) {
			seen[key] = true
		}

		pos, ok := index.Resolve(a.RemoteTaskID)
		if !ok {
			r.logger.Debug().Str("account", user.Email).Str("remote_id", a.RemoteTaskID).
				Msg("stored remote id no longer resolves")
			continue
		}
		for _, key := range refs[pos].Keys() {
			seen[key] = true
		}

		task, err := r.db.GetTask(ctx, a.TaskID)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		snap := snapshots[pos]
		res := r.policy.Merge(task, &snap)
		if !res.Changed {
			continue
		}
		if err := r.db.UpdateTaskSyncState(ctx, task.ID, res.Status, res.IsCompleted); err != nil {
			return err
		}
		metrics.IncReconcileUpdated()
		r.logger.Info().Str("account", user.Email).Int64("task_id", task.ID).
			Str("status", res.Status).Bool("is_completed", res.IsCompleted).
			Msg("task updated from remote state")
	}
	return nil
}

// importUnseen creates local tasks for remote snapshots no linked assignment
// accounted for. The database re-check guards against identifier forms the
// in-memory pass could not connect.
func (r *Reconciler) importUnseen(ctx context.Context, user *models.User, snapshots []zimbra.TaskSnapshot, refs []identity.Ref, seen map[string]bool) error {
	var defaultList *models.List

	for i, snap := range snapshots {
		keys := refs[i].Keys()
		if len(keys) == 0 || anySeen(seen, keys) {
			continue
		}

		linked, err := r.db.HasAssignmentWithRemoteID(ctx, user.ID, keys)
		if err != nil {
			return err
		}
		if linked {
			continue
		}

		if defaultList == nil {
			defaultList, err = r.db.FindOrCreateDefaultList(ctx, user.ID)
			if err != nil {
				return err
			}
		}

		task := &models.Task{
			ListID:      defaultList.ID,
			Title:       snap.Title,
			Notes:       snap.Notes,
			DueDate:     snap.DueDate,
			Priority:    snap.Priority,
			Status:      snap.Status,
			IsCompleted: snap.IsCompleted,
		}
		if err := r.db.CreateTask(ctx, task); err != nil {
			return err
		}

		remoteID := snap.ItemID
		if remoteID == "" {
			remoteID = snap.UID
		}
		if err := r.db.CreateAssignment(ctx, &models.Assignment{TaskID: task.ID, UserID: user.ID, RemoteTaskID: remoteID}); err != nil {
			return err
		}

		for _, key := range keys {
			seen[key] = true
		}
		metrics.IncReconcileImported()
		r.logger.Info().Str("account", user.Email).Int64("task_id", task.ID).
			Str("remote_id", remoteID).Msg("imported remote task")
	}
	return nil
}

func anySeen(seen map[string]bool, keys []string) bool {
	for _, key := range keys {
		if seen[key] {
			return true
		}
	}
	return false
}
