package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/oauthbridge/internal/directory"
	"github.com/tyemirov/oauthbridge/internal/identity"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReconcileOutcome names the branch that resolved the local user.
type ReconcileOutcome string

// Reconcile outcomes, in branch evaluation order.
const (
	OutcomeMatchedExternalID ReconcileOutcome = "matched_external_id"
	OutcomeEmailUpdated      ReconcileOutcome = "email_updated"
	OutcomeMatchedEmail      ReconcileOutcome = "matched_email"
	OutcomeLinked            ReconcileOutcome = "linked"
	OutcomeCreated           ReconcileOutcome = "created"
)

// Reconciler maps an external identity onto a local user: match by external id, else match (and
// link) by email, else create.
type Reconciler struct {
	directory   directory.Directory
	defaultRole string
	timeout     time.Duration
	logger      *zap.Logger
}

// NewReconciler constructs a Reconciler. A non-positive timeout leaves directory calls unbounded.
func NewReconciler(users directory.Directory, defaultRole string, timeout time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		directory:   users,
		defaultRole: defaultRole,
		timeout:     timeout,
		logger:      logger,
	}
}

// Reconcile resolves the local user for externalIdentity. The lookups run concurrently; only the
// order in which their results are evaluated matters. Rows linked before the provider column was
// populated carry the external id with a NULL provider and are adopted by the provider that
// presents that id.
func (reconciler *Reconciler) Reconcile(ctx context.Context, externalIdentity identity.ExternalIdentity) (directory.User, ReconcileOutcome, error) {
	var byExternalID []directory.User
	var byLegacyExternalID []directory.User
	var byEmail []directory.User
	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		users, queryErr := reconciler.findByExternalID(groupContext, externalIdentity)
		byExternalID = users
		return queryErr
	})
	group.Go(func() error {
		users, queryErr := reconciler.query(groupContext, directory.Filter{
			directory.FieldProvider:           "",
			directory.FieldExternalIdentifier: externalIdentity.ExternalID,
		})
		byLegacyExternalID = users
		return queryErr
	})
	group.Go(func() error {
		users, queryErr := reconciler.query(groupContext, directory.Filter{directory.FieldEmail: externalIdentity.PrimaryEmail})
		byEmail = users
		return queryErr
	})
	if waitErr := group.Wait(); waitErr != nil {
		return directory.User{}, "", unavailable("lookup", waitErr)
	}

	switch {
	case len(byExternalID) > 0:
		return reconciler.useExternalIDMatch(ctx, byExternalID[0], externalIdentity)
	case len(byLegacyExternalID) > 0:
		return reconciler.adoptLegacyMatch(ctx, byLegacyExternalID[0], externalIdentity)
	case len(byEmail) > 0:
		return reconciler.useEmailMatch(ctx, byEmail[0], externalIdentity)
	default:
		return reconciler.create(ctx, externalIdentity)
	}
}

func (reconciler *Reconciler) useExternalIDMatch(ctx context.Context, user directory.User, externalIdentity identity.ExternalIdentity) (directory.User, ReconcileOutcome, error) {
	if user.Email == externalIdentity.PrimaryEmail {
		reconciler.logger.Debug("user matched by external id",
			zap.String("code", "reconcile.matched_external_id"),
			zap.String("user_id", user.ID))
		return user, OutcomeMatchedExternalID, nil
	}
	if updateErr := reconciler.update(ctx, user.ID, directory.Patch{directory.FieldEmail: externalIdentity.PrimaryEmail}); updateErr != nil {
		return directory.User{}, "", unavailable("update_email", updateErr)
	}
	user.Email = externalIdentity.PrimaryEmail
	reconciler.logger.Info("user email refreshed from provider",
		zap.String("code", "reconcile.email_updated"),
		zap.String("user_id", user.ID))
	return user, OutcomeEmailUpdated, nil
}

// adoptLegacyMatch backfills the provider on a row matched by external id alone, refreshing a
// drifted email in the same write.
func (reconciler *Reconciler) adoptLegacyMatch(ctx context.Context, user directory.User, externalIdentity identity.ExternalIdentity) (directory.User, ReconcileOutcome, error) {
	adoptPatch := directory.Patch{directory.FieldProvider: externalIdentity.Provider}
	if user.Email != externalIdentity.PrimaryEmail {
		adoptPatch[directory.FieldEmail] = externalIdentity.PrimaryEmail
	}
	if updateErr := reconciler.update(ctx, user.ID, adoptPatch); updateErr != nil {
		if errors.Is(updateErr, directory.ErrDuplicateIdentity) {
			return reconciler.recoverDuplicate(ctx, externalIdentity, updateErr)
		}
		return directory.User{}, "", unavailable("adopt_legacy", updateErr)
	}
	user = user.WithPatch(adoptPatch)
	reconciler.logger.Info("legacy user adopted by provider",
		zap.String("code", "reconcile.legacy_linked"),
		zap.String("user_id", user.ID),
		zap.String("provider", externalIdentity.Provider))
	return user, OutcomeLinked, nil
}

func (reconciler *Reconciler) useEmailMatch(ctx context.Context, user directory.User, externalIdentity identity.ExternalIdentity) (directory.User, ReconcileOutcome, error) {
	if user.ExternalIdentifier != "" {
		reconciler.logger.Debug("user matched by email",
			zap.String("code", "reconcile.matched_email"),
			zap.String("user_id", user.ID))
		return user, OutcomeMatchedEmail, nil
	}
	linkPatch := directory.Patch{
		directory.FieldExternalIdentifier: externalIdentity.ExternalID,
		directory.FieldProvider:           externalIdentity.Provider,
	}
	if updateErr := reconciler.update(ctx, user.ID, linkPatch); updateErr != nil {
		if errors.Is(updateErr, directory.ErrDuplicateIdentity) {
			return reconciler.recoverDuplicate(ctx, externalIdentity, updateErr)
		}
		return directory.User{}, "", unavailable("link", updateErr)
	}
	user = user.WithPatch(linkPatch)
	reconciler.logger.Info("user linked to external identity",
		zap.String("code", "reconcile.linked"),
		zap.String("user_id", user.ID),
		zap.String("provider", externalIdentity.Provider))
	return user, OutcomeLinked, nil
}

func (reconciler *Reconciler) create(ctx context.Context, externalIdentity identity.ExternalIdentity) (directory.User, ReconcileOutcome, error) {
	firstName, lastName := externalIdentity.SplitName()
	userID, createErr := reconciler.createRecord(ctx, directory.User{
		Email:              externalIdentity.PrimaryEmail,
		FirstName:          firstName,
		LastName:           lastName,
		Avatar:             externalIdentity.AvatarURL,
		Provider:           externalIdentity.Provider,
		ExternalIdentifier: externalIdentity.ExternalID,
		Role:               reconciler.defaultRole,
		Status:             directory.StatusActive,
	})
	if createErr != nil {
		if errors.Is(createErr, directory.ErrDuplicateIdentity) {
			return reconciler.recoverDuplicate(ctx, externalIdentity, createErr)
		}
		return directory.User{}, "", unavailable("create", createErr)
	}
	created, readErr := reconciler.read(ctx, userID)
	if readErr != nil {
		return directory.User{}, "", unavailable("read_created", readErr)
	}
	reconciler.logger.Info("user created from external identity",
		zap.String("code", "reconcile.created"),
		zap.String("user_id", created.ID),
		zap.String("provider", externalIdentity.Provider))
	return created, OutcomeCreated, nil
}

// recoverDuplicate handles a concurrent callback that claimed the identity between lookup and
// write: the winner's record is re-read and treated as an external-id match.
func (reconciler *Reconciler) recoverDuplicate(ctx context.Context, externalIdentity identity.ExternalIdentity, cause error) (directory.User, ReconcileOutcome, error) {
	reconciler.logger.Warn("external identity claimed concurrently",
		zap.String("code", "reconcile.duplicate_identity"),
		zap.String("provider", externalIdentity.Provider),
		zap.Error(cause))
	winners, queryErr := reconciler.findByExternalID(ctx, externalIdentity)
	if queryErr != nil {
		return directory.User{}, "", unavailable("recover_duplicate", queryErr)
	}
	if len(winners) == 0 {
		return directory.User{}, "", unavailable("recover_duplicate", cause)
	}
	return reconciler.useExternalIDMatch(ctx, winners[0], externalIdentity)
}

func (reconciler *Reconciler) findByExternalID(ctx context.Context, externalIdentity identity.ExternalIdentity) ([]directory.User, error) {
	return reconciler.query(ctx, directory.Filter{
		directory.FieldProvider:           externalIdentity.Provider,
		directory.FieldExternalIdentifier: externalIdentity.ExternalID,
	})
}

func (reconciler *Reconciler) query(ctx context.Context, filter directory.Filter) ([]directory.User, error) {
	callContext, cancel := reconciler.bounded(ctx)
	defer cancel()
	return reconciler.directory.Query(callContext, filter, 1)
}

func (reconciler *Reconciler) update(ctx context.Context, userID string, patch directory.Patch) error {
	callContext, cancel := reconciler.bounded(ctx)
	defer cancel()
	return reconciler.directory.Update(callContext, userID, patch)
}

func (reconciler *Reconciler) createRecord(ctx context.Context, user directory.User) (string, error) {
	callContext, cancel := reconciler.bounded(ctx)
	defer cancel()
	return reconciler.directory.Create(callContext, user)
}

func (reconciler *Reconciler) read(ctx context.Context, userID string) (directory.User, error) {
	callContext, cancel := reconciler.bounded(ctx)
	defer cancel()
	return reconciler.directory.Read(callContext, userID)
}

func (reconciler *Reconciler) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if reconciler.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, reconciler.timeout)
}

func unavailable(step string, cause error) error {
	return fmt.Errorf("reconcile.%s: %w: %w", step, identity.ErrDirectoryUnavailable, cause)
}
