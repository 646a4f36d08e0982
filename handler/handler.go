package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-history/internal/reconcile"
)

const (
	DetailTypeScheduled = "Scheduled Event"
	DetailTypeLogin     = "UserLoggedIn"
)

// ErrUnsupportedEvent is returned for detail types the handler does not know.
var ErrUnsupportedEvent = errors.New("handler: unsupported event")

type Syncer interface {
	TriggerSyncNow(ctx context.Context) (reconcile.Report, error)
}

type SessionStarter interface {
	OnLogin(ctx context.Context, userID string)
}

var newCorrelationID = func() string { return uuid.NewString() }

// Handler serves EventBridge events: the reconciliation schedule and login
// notifications from the auth flow.
type Handler struct {
	sync    Syncer
	session SessionStarter
	logger  *zap.Logger
}

// NewHandler wires the handler. sync is nil when no cache is configured;
// scheduled events are then acknowledged without work.
func NewHandler(sync Syncer, session SessionStarter, logger *zap.Logger) (*Handler, error) {
	if session == nil {
		return nil, errors.New("handler: session starter must not be nil")
	}
	if logger == nil {
		return nil, errors.New("handler: logger must not be nil")
	}
	return &Handler{sync: sync, session: session, logger: logger}, nil
}

type Result struct {
	CorrelationID string   `json:"correlationId"`
	Action        string   `json:"action"`
	Skipped       bool     `json:"skipped,omitempty"`
	Scanned       int      `json:"scanned,omitempty"`
	Candidates    int      `json:"candidates,omitempty"`
	Inserted      int      `json:"inserted,omitempty"`
	FailedUsers   []string `json:"failedUsers,omitempty"`
}

type loginDetail struct {
	UserID string `json:"userId"`
}

func (h *Handler) Handle(ctx context.Context, ev events.CloudWatchEvent) (Result, error) {
	res := Result{CorrelationID: strings.TrimSpace(ev.ID)}
	if res.CorrelationID == "" {
		res.CorrelationID = newCorrelationID()
	}
	logger := h.logger.With(
		zap.String("correlation_id", res.CorrelationID),
		zap.String("detail_type", ev.DetailType))

	switch ev.DetailType {
	case DetailTypeScheduled:
		res.Action = "sync"
		if h.sync == nil {
			res.Skipped = true
			return res, nil
		}
		report, err := h.sync.TriggerSyncNow(ctx)
		if err != nil {
			logger.Error("scheduled sync failed", zap.Error(err))
			return res, err
		}
		res.Scanned = report.Scanned
		res.Candidates = report.Candidates
		res.Inserted = report.Inserted
		for userID := range report.Failures {
			res.FailedUsers = append(res.FailedUsers, userID)
		}
		return res, nil

	case DetailTypeLogin:
		res.Action = "warm"
		var d loginDetail
		if err := json.Unmarshal(ev.Detail, &d); err != nil {
			return res, fmt.Errorf("handler: decode login detail: %w", err)
		}
		if strings.TrimSpace(d.UserID) == "" {
			return res, errors.New("handler: login detail missing userId")
		}
		h.session.OnLogin(ctx, d.UserID)
		return res, nil

	default:
		logger.Warn("ignoring event")
		return res, fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.DetailType)
	}
}
