// Package services implements the group savings workflow: groups,
// invitations, memberships, contributions, the ledger and the activity log.
//
// Every operation takes the acting user explicitly and runs its checks and
// writes inside one storage transaction.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"groupsave/internal/amqp"
	"groupsave/internal/cache"
	"groupsave/internal/core"
	"groupsave/internal/storage"
)

const (
	DefaultInviteTTL        = 7 * 24 * time.Hour
	defaultSummaryTTL       = 30 * time.Second
	defaultSummaryCacheSize = 256
)

// Publisher sends a message to the broker. *amqp.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, env *amqp.Envelope) error
}

// Recorder receives operation outcomes. *metrics.Metrics implements it.
type Recorder interface {
	Operation(name string, err error)
	LedgerApplied(cents int64)
	OutboxPublished(ok bool)
	ReminderSent()
}

type nopRecorder struct{}

func (nopRecorder) Operation(string, error) {}
func (nopRecorder) LedgerApplied(int64)     {}
func (nopRecorder) OutboxPublished(bool)    {}
func (nopRecorder) ReminderSent()           {}

type Config struct {
	// BaseURL prefixes invitation join links.
	BaseURL string
	// InviteTTL is applied by callers that do not choose an expiry.
	InviteTTL time.Duration
	Now func() time.Time
	// Publisher is optional. Without one, activity is still recorded but no
	// outbox rows are written, since nothing would ever drain them.
	Publisher Publisher
	Metrics   Recorder

	SummaryTTL       time.Duration
	SummaryCacheSize int
}

func (c Config) withDefaults() Config {
	if c.InviteTTL <= 0 {
		c.InviteTTL = DefaultInviteTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = nopRecorder{}
	}
	if c.SummaryTTL <= 0 {
		c.SummaryTTL = defaultSummaryTTL
	}
	if c.SummaryCacheSize <= 0 {
		c.SummaryCacheSize = defaultSummaryCacheSize
	}
	return c
}

// deps is shared by every service of one engine.
type deps struct {
	store     storage.Store
	clock     func() time.Time
	metrics   Recorder
	publisher Publisher
	baseURL   string
	inviteTTL time.Duration
	summaries *cache.Loader[core.GroupSummary]
}

func (d *deps) now() time.Time { return d.clock().UTC() }

// observe records the outcome of an operation. Integrity violations are
// always logged since they mean the ledger cannot be trusted.
func (d *deps) observe(ctx context.Context, op string, err error) {
	d.metrics.Operation(op, err)
	if core.KindOf(err) == core.ErrIntegrity {
		slog.ErrorContext(ctx, "Ledger integrity violation", "operation", op, "error", err)
	}
}

func (d *deps) invalidate(groupID string) {
	d.summaries.Invalidate(groupID)
}

// publish sends a notification outside of any transaction. Failures are
// logged and swallowed.
func (d *deps) publish(ctx context.Context, msgType string, payload any) {
	if d.publisher == nil {
		slog.DebugContext(ctx, "No publisher configured, skipping message", "type", msgType)
		return
	}
	env, err := amqp.NewEnvelope(msgType, payload)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build message", "type", msgType, "error", err)
		return
	}
	if err := d.publisher.Publish(ctx, env); err != nil {
		slog.WarnContext(ctx, "Failed to publish message", "type", msgType, "id", env.ID, "error", err)
	}
}

// Engine bundles the services that share one store.
type Engine struct {
	Groups        *GroupService
	Invitations   *InvitationService
	Members       *MembershipService
	Contributions *ContributionService
	Ledger        *Ledger
	Activity      *ActivityLog

	cfg Config
}

func NewEngine(store storage.Store, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	d := &deps{
		store:     store,
		clock:     cfg.Now,
		metrics:   cfg.Metrics,
		publisher: cfg.Publisher,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		inviteTTL: cfg.InviteTTL,
		summaries: cache.NewLoader[core.GroupSummary](cfg.SummaryCacheSize, cfg.SummaryTTL),
	}

	activity := &ActivityLog{deps: d}
	members := &MembershipService{deps: d, activity: activity}
	ledger := &Ledger{deps: d, activity: activity}
	return &Engine{
		Groups:        &GroupService{deps: d, activity: activity},
		Invitations:   &InvitationService{deps: d, activity: activity, members: members},
		Members:       members,
		Contributions: &ContributionService{deps: d, activity: activity, ledger: ledger},
		Ledger:        ledger,
		Activity:      activity,
		cfg:           cfg,
	}
}

// InviteTTL is the expiry used when a caller does not pick one.
func (e *Engine) InviteTTL() time.Duration { return e.cfg.InviteTTL }

// SummaryCache exposes the summary loader so a cache.Manager can clean it.
func (e *Engine) SummaryCache() cache.Cleaner { return e.Groups.summaries }

func requireActor(a core.Actor) error {
	if strings.TrimSpace(a.UserID) == "" {
		return core.ErrAnonymous
	}
	return nil
}

func loadGroup(ctx context.Context, st storage.Stores, id string) (core.SavingsGroup, error) {
	if id == "" {
		return core.SavingsGroup{}, core.ErrMissingIdentifier
	}
	g, err := st.Groups().GetGroup(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return g, core.ErrGroupNotFound
	}
	if err != nil {
		return g, fmt.Errorf("load group: %w", err)
	}
	return g, nil
}

// requireRole is the capability check every operation runs at its boundary.
// RoleMember accepts any active member, RoleAdmin only active admins.
func requireRole(ctx context.Context, st storage.Stores, groupID, userID string, role core.Role) (core.GroupMember, error) {
	denied := core.ErrNotMember
	if role == core.RoleAdmin {
		denied = core.ErrNotAdmin
	}
	m, err := st.Members().GetMember(ctx, groupID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return m, denied
	}
	if err != nil {
		return m, fmt.Errorf("load membership: %w", err)
	}
	if !m.IsActive() {
		return m, denied
	}
	if role == core.RoleAdmin && !m.IsAdmin() {
		return m, denied
	}
	return m, nil
}

// boundedText trims s and rejects it when longer than max runes.
func boundedText(field, s string, max int) (string, error) {
	s = strings.TrimSpace(s)
	if n := len([]rune(s)); n > max {
		return "", core.Validationf("%s is %d characters, at most %d allowed", field, n, max)
	}
	return s, nil
}
