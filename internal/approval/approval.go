// Package approval is the authorization gate in front of every operator
// action on a client, hunt or cron job. Access is granted by peer approvals:
// the requestor files an approval naming the subject, other users grant it,
// and the checker admits the operation once enough grants exist. Decisions
// are cached briefly so the hot API paths do not hammer the datastore.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/flow"
	"github.com/vigilsec/fleet/internal/ids"
	"github.com/vigilsec/fleet/internal/metrics"
)

// decisionTTL bounds how long a positive decision is reused without
// re-reading the approvals. Revocation does not exist; expiry and new grants
// are picked up within this window.
const decisionTTL = 60 * time.Second

const decisionCacheSize = 10000

// UnauthorizedError is returned when no valid approval admits the operation.
// The message aggregates why each of the caller's own approvals fell short;
// other users' approvals are never mentioned.
type UnauthorizedError struct {
	Username string
	Subject  string
	Message  string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("user %s has no valid approval for %s: %s", e.Username, e.Subject, e.Message)
}

// IsUnauthorized reports whether err is an approval denial.
func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}

// Checker evaluates the approval predicate.
type Checker struct {
	store datastore.Store
	log   *logrus.Entry
	clock func() time.Time

	approversRequired int
	defaultTTL        time.Duration

	decisions *expirable.LRU[string, struct{}]
}

// NewChecker builds a checker requiring approversRequired grants per
// approval. defaultTTL is stamped on new approvals created without an
// explicit expiration.
func NewChecker(store datastore.Store, log *logrus.Logger, approversRequired int, defaultTTL time.Duration) *Checker {
	return &Checker{
		store:             store,
		log:               log.WithField("component", "approval"),
		clock:             time.Now,
		approversRequired: approversRequired,
		defaultTTL:        defaultTTL,
		decisions:         expirable.NewLRU[string, struct{}](decisionCacheSize, nil, decisionTTL),
	}
}

// Create files a new approval request for the given subject. The approval id
// and timestamps are assigned here; the caller supplies requestor, type,
// subject, reason and the users to notify.
func (c *Checker) Create(ctx context.Context, a *datastore.Approval) (*datastore.Approval, error) {
	if a.Requestor == "" {
		return nil, fmt.Errorf("approval requestor must be set")
	}
	if a.SubjectID == "" {
		return nil, fmt.Errorf("approval subject must be set")
	}
	switch a.Type {
	case datastore.ApprovalClient, datastore.ApprovalHunt, datastore.ApprovalCronJob:
	default:
		return nil, fmt.Errorf("unknown approval type %q", a.Type)
	}
	if _, err := c.store.ReadUser(ctx, a.Requestor); err != nil {
		return nil, fmt.Errorf("requestor %s: %w", a.Requestor, err)
	}
	a.ApprovalID = uuid.NewString()
	a.CreatedAt = c.clock()
	if a.Expiration.IsZero() {
		a.Expiration = a.CreatedAt.Add(c.defaultTTL)
	}
	if err := c.store.WriteApprovalRequest(ctx, a); err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"requestor": a.Requestor, "type": a.Type, "subject": a.SubjectID, "approval_id": a.ApprovalID,
	}).Info("approval requested")
	return a, nil
}

// Grant records one user's sign-off on another user's approval. Granting
// your own approval is rejected, as is granting twice.
func (c *Checker) Grant(ctx context.Context, requestor, approvalID, grantor string) (*datastore.Approval, error) {
	if grantor == requestor {
		return nil, fmt.Errorf("user %s cannot grant their own approval", grantor)
	}
	if _, err := c.store.ReadUser(ctx, grantor); err != nil {
		return nil, fmt.Errorf("grantor %s: %w", grantor, err)
	}
	a, err := c.store.ReadApprovalRequest(ctx, requestor, approvalID)
	if err != nil {
		return nil, err
	}
	for _, g := range a.Grants {
		if g.Grantor == grantor {
			return nil, fmt.Errorf("user %s already granted approval %s", grantor, approvalID)
		}
	}
	grant := datastore.Grant{Grantor: grantor, Timestamp: c.clock()}
	if err := c.store.GrantApproval(ctx, requestor, approvalID, grant); err != nil {
		return nil, err
	}
	a.Grants = append(a.Grants, grant)
	c.log.WithFields(logrus.Fields{
		"requestor": requestor, "approval_id": approvalID, "grantor": grantor,
	}).Info("approval granted")
	return a, nil
}

// CheckClientAccess admits username to operate on the client.
func (c *Checker) CheckClientAccess(ctx context.Context, username string, clientID ids.ClientID) error {
	return c.check(ctx, username, datastore.ApprovalClient, clientID.String())
}

// CheckHuntAccess admits username to modify the hunt.
func (c *Checker) CheckHuntAccess(ctx context.Context, username string, huntID ids.HuntID) error {
	return c.check(ctx, username, datastore.ApprovalHunt, huntID.String())
}

// CheckCronJobAccess admits username to modify the cron job.
func (c *Checker) CheckCronJobAccess(ctx context.Context, username string, cronID string) error {
	return c.check(ctx, username, datastore.ApprovalCronJob, cronID)
}

// CheckFlowRestrictions rejects restricted flow classes for non-admin users.
// This is independent of approvals; an approved standard user still cannot
// run an agent update.
func (c *Checker) CheckFlowRestrictions(ctx context.Context, username, flowClass string) error {
	desc, err := flow.Lookup(flowClass)
	if err != nil {
		return err
	}
	if !desc.Restricted {
		return nil
	}
	user, err := c.store.ReadUser(ctx, username)
	if err != nil {
		return err
	}
	if user.Type != datastore.UserAdmin {
		return &UnauthorizedError{
			Username: username,
			Subject:  flowClass,
			Message:  fmt.Sprintf("flow %s requires an admin user", flowClass),
		}
	}
	return nil
}

func (c *Checker) check(ctx context.Context, username string, typ datastore.ApprovalType, subjectID string) error {
	key := username + "/" + string(typ) + "/" + subjectID
	if _, ok := c.decisions.Get(key); ok {
		metrics.ApprovalChecks.WithLabelValues("cached").Inc()
		return nil
	}

	approvals, err := c.store.ReadApprovalRequests(ctx, username, typ, subjectID, false)
	if err != nil {
		return err
	}

	var reasons []string
	for _, a := range approvals {
		if reason, err := c.validate(ctx, a); err != nil {
			return err
		} else if reason == "" {
			c.decisions.Add(key, struct{}{})
			metrics.ApprovalChecks.WithLabelValues("granted").Inc()
			return nil
		} else {
			reasons = append(reasons, reason)
		}
	}

	metrics.ApprovalChecks.WithLabelValues("denied").Inc()
	msg := "no approval found"
	if len(reasons) > 0 {
		msg = strings.Join(reasons, "; ")
	}
	return &UnauthorizedError{Username: username, Subject: subjectID, Message: msg}
}

// validate returns "" when the approval passes, or a short reason why not.
// Errors are reserved for storage failures.
func (c *Checker) validate(ctx context.Context, a *datastore.Approval) (string, error) {
	if a.Expired(c.clock()) {
		return fmt.Sprintf("approval %s expired", a.ApprovalID), nil
	}
	if len(a.Grants) < c.approversRequired {
		return fmt.Sprintf("approval %s needs %d approvers, has %d",
			a.ApprovalID, c.approversRequired, len(a.Grants)), nil
	}
	if a.Type == datastore.ApprovalHunt || a.Type == datastore.ApprovalCronJob {
		admin, err := c.hasAdminGrantor(ctx, a)
		if err != nil {
			return "", err
		}
		if !admin {
			return fmt.Sprintf("approval %s needs a grant from an admin user", a.ApprovalID), nil
		}
	}
	return "", nil
}

func (c *Checker) hasAdminGrantor(ctx context.Context, a *datastore.Approval) (bool, error) {
	for _, g := range a.Grants {
		user, err := c.store.ReadUser(ctx, g.Grantor)
		if errors.Is(err, datastore.ErrUnknownUser) {
			continue // grantor deleted since granting
		}
		if err != nil {
			return false, err
		}
		if user.Type == datastore.UserAdmin {
			return true, nil
		}
	}
	return false, nil
}
