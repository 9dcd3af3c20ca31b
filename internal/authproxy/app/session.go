package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/careportal/prescription-auth/internal/domain"
	"github.com/careportal/prescription-auth/internal/observability"
)

// Outcome is the tagged result of a session reconciliation. Each distinct
// response shape is its own variant; the HTTP layer maps variants to status
// codes and bodies so the state machine stays independent of serialization.
type Outcome interface {
	outcome()
}

// OutcomeActive means the presented session id matches the active record.
type OutcomeActive struct {
	// Cleaned is set when a Clean-Sessions directive discarded the other
	// sessions for the user.
	Cleaned bool
}

// OutcomeSessionSet means a draft session was promoted to active.
type OutcomeSessionSet struct{}

// OutcomeSessionRemoved means the caller discarded its own pending draft.
type OutcomeSessionRemoved struct{}

// OutcomeNoAction means a draft exists but the request carried no
// recognized directive for it. Nothing was mutated.
type OutcomeNoAction struct{}

func (OutcomeActive) outcome()         {}
func (OutcomeSessionSet) outcome()     {}
func (OutcomeSessionRemoved) outcome() {}
func (OutcomeNoAction) outcome()       {}

// Reconcile decides what an inbound request's session id means given the
// stored active and draft records, and applies the requested action.
//
// An active match always wins over a draft match: an authenticated session
// is never demoted by the mere existence of a draft record. A request that
// matches neither record belongs to no known session lineage and is
// rejected.
func (s *Service) Reconcile(ctx context.Context, rawUsername, sessionID string, action domain.SessionAction) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "session.reconcile")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	username, err := domain.NewUsername(rawUsername)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if sessionID == "" {
		err := fmt.Errorf("session id missing from authorizer context: %w", domain.ErrMissingClaims)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("session.action", string(action)))

	mapping, err := s.mappings.Get(ctx, username.String())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load token mapping: %w", err)
	}

	if mapping != nil && mapping.SessionID == sessionID {
		return s.reconcileActive(ctx, username, action, logger)
	}

	draft, err := s.drafts.Get(ctx, username.String())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load draft session: %w", err)
	}

	if draft != nil {
		return s.reconcileDraft(ctx, username, sessionID, action, draft, logger)
	}

	// No known session lineage: token tampering or a stale client.
	err = fmt.Errorf("user %s: %w", username, domain.ErrSessionNotFound)
	authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "session_not_found")))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// reconcileActive handles the idempotent happy path. Only the explicit
// Clean-Sessions directive mutates anything: it discards the pending draft,
// best-effort.
func (s *Service) reconcileActive(
	ctx context.Context,
	username domain.Username,
	action domain.SessionAction,
	logger *slog.Logger,
) (Outcome, error) {
	if action != domain.ActionCleanSessions {
		sessionOutcomesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "active")))
		return OutcomeActive{}, nil
	}

	// Best-effort cleanup: a draft that is already gone, or a transient
	// delete failure, must not fail an otherwise-valid active session.
	if err := s.drafts.Delete(ctx, username.String()); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.InfoContext(ctx, "session.clean_failed", "username", username.String(), "error", err)
	}

	sessionOutcomesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "cleaned")))
	logger.InfoContext(ctx, "session.cleaned", "username", username.String())
	return OutcomeActive{Cleaned: true}, nil
}

// reconcileDraft dispatches on the action when a draft exists but the
// caller's session id does not match the active record.
func (s *Service) reconcileDraft(
	ctx context.Context,
	username domain.Username,
	sessionID string,
	action domain.SessionAction,
	draft *SessionStateRecord,
	logger *slog.Logger,
) (Outcome, error) {
	switch action {
	case domain.ActionSetSession:
		now := s.clock.Now().UTC()
		params := PromotionParams{
			Username:         username.String(),
			SessionID:        draft.SessionID,
			ApigeeCode:       draft.ApigeeCode,
			LastActivityTime: domain.NowUTCMillis(s.clock),
			TTL:              now.Add(domain.TokenMappingTTL).Unix(),
		}
		if err := s.transactor.PromoteDraft(ctx, params); err != nil {
			return nil, fmt.Errorf("promote draft session: %w", err)
		}

		sessionOutcomesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "promoted")))
		logger.InfoContext(ctx, "session.promoted",
			"username", username.String(),
			"session_id", draft.SessionID,
		)
		return OutcomeSessionSet{}, nil

	case domain.ActionRemoveSession:
		if draft.SessionID != sessionID {
			// The draft belongs to a different login than the caller.
			// Behavior here is deliberately conservative: report state,
			// mutate nothing.
			sessionOutcomesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "no_action")))
			return OutcomeNoAction{}, nil
		}

		// The caller is voluntarily discarding its own pending session.
		// This delete is the whole operation, so a failure propagates.
		if err := s.drafts.Delete(ctx, username.String()); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("remove draft session: %w", err)
		}

		sessionOutcomesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "removed")))
		logger.InfoContext(ctx, "session.removed",
			"username", username.String(),
			"session_id", sessionID,
		)
		return OutcomeSessionRemoved{}, nil

	default:
		sessionOutcomesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "no_action")))
		return OutcomeNoAction{}, nil
	}
}
