package convoybot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// RequestState is the lifecycle state of a VPS request.
type RequestState string

const (
	StatePlanSelection    RequestState = "plan_selection"
	StateValidating       RequestState = "validating"
	StateIPReserved       RequestState = "ip_reserved"
	StateAwaitingApproval RequestState = "awaiting_approval"
	StateApproved         RequestState = "approved"
	StateCreated          RequestState = "created"
	StateCreationFailed   RequestState = "creation_failed"
	StateDenied           RequestState = "denied"
	StateTimedOut         RequestState = "timed_out"
	StateAborted          RequestState = "aborted"
)

// Terminal reports whether the state ends a request's lifecycle.
func (s RequestState) Terminal() bool {
	switch s {
	case StateCreated, StateCreationFailed, StateDenied, StateTimedOut,
		StateAborted:
		return true
	default:
		return false
	}
}

var (
	// ErrRequestNotFound indicates an event referenced an unknown or
	// already-finished request
	ErrRequestNotFound = errors.New("vps request not found")

	// ErrIllegalEvent indicates an event arrived in a state that
	// doesn't accept it
	ErrIllegalEvent = errors.New("event not valid in current request state")

	// ErrRequestInFlight indicates the user already has an active request
	ErrRequestInFlight = errors.New("user already has a request in flight")
)

// VPSRequest is one user's in-flight request for a VPS. Fields other
// than state are written before the request is handed to admins and
// read-only afterwards.
type VPSRequest struct {
	ID          string
	UserID      string
	Username    string
	GuildID     string
	ChannelID   string
	PanelUserID int
	Plan        Plan
	ReservedIP  string

	tempPassword  string
	serverID      int
	serverUUID    string
	state         RequestState
	startedAt     time.Time
	mu            sync.Mutex
	selectTimer   *time.Timer
	approvalTimer *time.Timer
}

// State returns the request's current lifecycle state.
func (r *VPSRequest) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ServerCreator provisions servers on the panel.
type ServerCreator interface {
	CreateServer(ctx context.Context, payload *CreationPayload) (*PanelServer, error)
}

// Notifier delivers workflow messages to users and channels. User
// notifications go by DM, with implementations free to fall back to a
// channel message when DMs are closed.
type Notifier interface {
	NotifyUser(userID string, fallbackChannelID string, content string) error
	NotifyChannel(channelID string, content string) error
}

// Approvals posts a request to the admin approval surface. Decisions
// come back through Workflow.OnAdminDecision.
type Approvals interface {
	RequestApproval(req *VPSRequest) error
}

// GuildInfo answers boost questions about a guild member.
type GuildInfo interface {
	BoostStatus(guildID string, userID string) (boosting bool, guildTier int, err error)
}

// AuditRecorder persists terminal request outcomes.
type AuditRecorder interface {
	RecordOutcome(ctx context.Context, entry *VPSAuditEntry) error
}

// Workflow drives VPS requests from plan selection through admin
// approval to server creation. The core invariant: between a
// successful IP reservation and a terminal state, each request holds
// exactly one pool IP, and every terminal state except Created returns
// it to the pool before anything else happens.
type Workflow struct {
	pool     *IPPool
	links    *LinkStore
	invites  *InviteStore
	creator  ServerCreator
	notifier Notifier
	approval Approvals
	guilds   GuildInfo
	audit    AuditRecorder

	config    *WorkflowConfig
	provision *ProvisionConfig
	rewards   *RewardConfig

	// ownerUserID is DMed when a paid plan is requested
	ownerUserID string

	// panelURL is included in creation DMs
	panelURL string

	mu       sync.Mutex
	requests map[string]*VPSRequest
	byUser   map[string]string

	logger *slog.Logger
}

// WorkflowDeps collects the collaborators a Workflow needs.
type WorkflowDeps struct {
	Pool     *IPPool
	Links    *LinkStore
	Invites  *InviteStore
	Creator  ServerCreator
	Notifier Notifier
	Approval Approvals
	Guilds   GuildInfo
	Audit    AuditRecorder
}

func NewWorkflow(
	deps WorkflowDeps,
	cfg *WorkflowConfig,
	provision *ProvisionConfig,
	rewards *RewardConfig,
	ownerUserID string,
	panelURL string,
	logger *slog.Logger,
) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		pool:        deps.Pool,
		links:       deps.Links,
		invites:     deps.Invites,
		creator:     deps.Creator,
		notifier:    deps.Notifier,
		approval:    deps.Approval,
		guilds:      deps.Guilds,
		audit:       deps.Audit,
		config:      cfg,
		provision:   provision,
		rewards:     rewards,
		ownerUserID: ownerUserID,
		panelURL:    panelURL,
		requests:    map[string]*VPSRequest{},
		byUser:      map[string]string{},
		logger:      logger.With(loggerNameKey, "workflow"),
	}
}

// InFlight returns the number of active requests.
func (w *Workflow) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.requests)
}

// Get returns an active request by ID.
func (w *Workflow) Get(requestID string) (*VPSRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.requests[requestID]
	return req, ok
}

// Start opens a new request for a linked user in the plan selection
// state. A plan selection timeout is armed; if no plan is chosen in
// time the request is aborted.
func (w *Workflow) Start(
	ctx context.Context,
	userID string,
	username string,
	guildID string,
	channelID string,
) (*VPSRequest, error) {
	panelUserID, err := w.links.PanelUserID(userID)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if existingID, inFlight := w.byUser[userID]; inFlight {
		w.mu.Unlock()
		w.logger.Info(
			"rejected duplicate request",
			"user_id", userID,
			"existing_request_id", existingID,
		)
		return nil, ErrRequestInFlight
	}
	req := &VPSRequest{
		ID:          uuid.NewString(),
		UserID:      userID,
		Username:    username,
		GuildID:     guildID,
		ChannelID:   channelID,
		PanelUserID: panelUserID,
		state:       StatePlanSelection,
		startedAt:   time.Now(),
	}
	w.requests[req.ID] = req
	w.byUser[userID] = req.ID
	w.mu.Unlock()

	req.mu.Lock()
	req.selectTimer = time.AfterFunc(w.config.PlanSelectTimeout, func() {
		w.OnTimeout(context.WithoutCancel(ctx), req.ID)
	})
	req.mu.Unlock()

	w.logger.InfoContext(
		ctx,
		"vps request opened",
		"request_id", req.ID,
		"user_id", userID,
		"panel_user_id", panelUserID,
	)
	return req, nil
}

// OnPlanChosen advances a request past plan selection: paid plans
// short-circuit to support, reward plans are validated and, when
// eligible, get an IP reserved and an admin approval posted.
func (w *Workflow) OnPlanChosen(
	ctx context.Context,
	requestID string,
	plan Plan,
) error {
	req, ok := w.Get(requestID)
	if !ok {
		return ErrRequestNotFound
	}

	req.mu.Lock()
	if req.state != StatePlanSelection {
		req.mu.Unlock()
		return fmt.Errorf("%w: %s in state %s", ErrIllegalEvent, "plan_chosen", req.state)
	}
	if req.selectTimer != nil {
		req.selectTimer.Stop()
	}
	req.Plan = plan
	req.state = StateValidating
	req.mu.Unlock()

	if plan.Kind() == PlanKindPaid {
		w.finalize(ctx, req, StateAborted, "")
		w.notifyUser(
			req,
			fmt.Sprintf(
				"**%s** is a paid plan. Please open a support ticket to "+
					"purchase it; staff have been notified.",
				plan.PlanName(),
			),
		)
		if w.ownerUserID != "" {
			if err := w.notifier.NotifyUser(
				w.ownerUserID,
				"",
				fmt.Sprintf(
					"%s (<@%s>) is interested in the paid plan **%s** ($%.2f/mo).",
					req.Username,
					req.UserID,
					plan.PlanName(),
					planPrice(plan),
				),
			); err != nil {
				w.logger.Error(
					"unable to notify owner about paid plan interest",
					tint.Err(err),
					"request_id", req.ID,
				)
			}
		}
		return nil
	}

	if reason, eligible := w.validate(req, plan); !eligible {
		w.finalize(ctx, req, StateAborted, "")
		w.notifyUser(req, reason)
		return nil
	}

	ip, err := w.pool.Dispense()
	if err != nil {
		w.finalize(ctx, req, StateAborted, "")
		if errors.Is(err, ErrPoolExhausted) {
			w.logger.Warn("ip pool exhausted", "request_id", req.ID)
			w.notifyUser(
				req,
				"No IP addresses are available right now. Please try again later.",
			)
			return nil
		}
		w.logger.Error("ip dispense failed", tint.Err(err), "request_id", req.ID)
		w.notifyUser(req, "Something went wrong reserving resources. Please try again later.")
		return nil
	}

	password, err := generatePassword(w.config.TempPasswordLength)
	if err != nil {
		req.mu.Lock()
		req.state = StateIPReserved
		req.ReservedIP = ip
		req.mu.Unlock()
		w.finalize(ctx, req, StateAborted, "")
		w.logger.Error("password generation failed", tint.Err(err), "request_id", req.ID)
		w.notifyUser(req, "Something went wrong preparing your request. Please try again later.")
		return nil
	}

	req.mu.Lock()
	req.ReservedIP = ip
	req.tempPassword = password
	req.state = StateAwaitingApproval
	req.approvalTimer = time.AfterFunc(w.config.ApprovalTimeout, func() {
		w.OnTimeout(context.WithoutCancel(ctx), req.ID)
	})
	req.mu.Unlock()

	if err = w.approval.RequestApproval(req); err != nil {
		w.logger.Error(
			"unable to post approval request",
			tint.Err(err),
			"request_id", req.ID,
		)
		w.finalize(ctx, req, StateAborted, "")
		w.notifyUser(req, "Your request couldn't be sent to staff. Please try again later.")
		return nil
	}

	w.notifyUser(
		req,
		fmt.Sprintf(
			"Your request for **%s** has been sent to staff for approval. "+
				"You'll be notified once it's reviewed.",
			plan.PlanName(),
		),
	)
	w.logger.InfoContext(
		ctx,
		"vps request awaiting approval",
		"request_id", req.ID,
		"plan", plan.PlanName(),
		"ip", ip,
	)
	return nil
}

// OnAdminDecision applies an approve/deny decision to a request
// awaiting approval.
func (w *Workflow) OnAdminDecision(
	ctx context.Context,
	requestID string,
	adminID string,
	approved bool,
) error {
	req, ok := w.Get(requestID)
	if !ok {
		return ErrRequestNotFound
	}

	req.mu.Lock()
	if req.state != StateAwaitingApproval {
		req.mu.Unlock()
		return fmt.Errorf("%w: %s in state %s", ErrIllegalEvent, "admin_decision", req.state)
	}
	if req.approvalTimer != nil {
		req.approvalTimer.Stop()
	}
	if !approved {
		req.state = StateDenied
		req.mu.Unlock()
		if !w.finalize(ctx, req, StateDenied, adminID) {
			return ErrRequestNotFound
		}
		w.notifyUser(
			req,
			fmt.Sprintf("Your request for **%s** was denied.", req.Plan.PlanName()),
		)
		w.logger.InfoContext(
			ctx,
			"vps request denied",
			"request_id", req.ID,
			"admin_id", adminID,
		)
		return nil
	}
	req.state = StateApproved
	req.mu.Unlock()

	w.provisionServer(ctx, req, adminID)
	return nil
}

// OnTimeout expires a request. During plan selection it simply aborts;
// while awaiting approval it's denied by default and the IP returned.
// The state check and the transition to a terminal state happen under
// the request lock, so a concurrently landing event or decision sees
// the expiry and is rejected.
func (w *Workflow) OnTimeout(ctx context.Context, requestID string) {
	req, ok := w.Get(requestID)
	if !ok {
		return
	}

	req.mu.Lock()
	state := req.state
	switch state {
	case StatePlanSelection:
		req.state = StateAborted
	case StateAwaitingApproval:
		req.state = StateTimedOut
	default:
		req.mu.Unlock()
		return
	}
	req.mu.Unlock()

	switch state {
	case StatePlanSelection:
		if w.finalize(ctx, req, StateAborted, "") {
			w.logger.InfoContext(ctx, "plan selection timed out", "request_id", req.ID)
		}
	case StateAwaitingApproval:
		if !w.finalize(ctx, req, StateTimedOut, "") {
			return
		}
		w.notifyUser(
			req,
			fmt.Sprintf(
				"Your request for **%s** wasn't reviewed in time and has expired. "+
					"Feel free to try again.",
				req.Plan.PlanName(),
			),
		)
		w.logger.InfoContext(ctx, "approval timed out", "request_id", req.ID)
	}
}

// provisionServer creates the server for an approved request and
// settles the request into Created or CreationFailed.
func (w *Workflow) provisionServer(
	ctx context.Context,
	req *VPSRequest,
	adminID string,
) {
	payload, err := NewCreationPayload(
		req.Plan,
		w.provision,
		req.PanelUserID,
		req.Username,
		req.tempPassword,
	)
	if err == nil {
		var server *PanelServer
		server, err = w.creator.CreateServer(ctx, payload)
		if err == nil {
			w.settleCreated(ctx, req, adminID, payload, server)
			return
		}
	}

	w.logger.Error(
		"server creation failed",
		tint.Err(err),
		"request_id", req.ID,
		"admin_id", adminID,
	)
	w.finalize(ctx, req, StateCreationFailed, adminID)
	w.notifyUser(
		req,
		fmt.Sprintf(
			"Your request for **%s** was approved, but server creation "+
				"failed. Staff have been notified.",
			req.Plan.PlanName(),
		),
	)
	if notifyErr := w.notifier.NotifyUser(
		adminID,
		"",
		fmt.Sprintf(
			"Server creation for <@%s>'s **%s** request failed: %s. "+
				"The reserved IP was returned to the pool.",
			req.UserID,
			req.Plan.PlanName(),
			creationFailureDetail(err),
		),
	); notifyErr != nil {
		w.logger.Error(
			"unable to notify admin of creation failure",
			tint.Err(notifyErr),
			"request_id", req.ID,
		)
	}
}

func (w *Workflow) settleCreated(
	ctx context.Context,
	req *VPSRequest,
	adminID string,
	payload *CreationPayload,
	server *PanelServer,
) {
	req.mu.Lock()
	req.serverID = server.ID
	req.serverUUID = server.UUID
	req.mu.Unlock()
	if !w.finalize(ctx, req, StateCreated, adminID) {
		return
	}

	if req.Plan.Kind() == PlanKindInvite {
		if invitePlan, ok := req.Plan.(InvitePlan); ok {
			w.invites.Reset(req.GuildID, req.UserID)
			w.logger.InfoContext(
				ctx,
				"invite count reset after redemption",
				"request_id", req.ID,
				"user_id", req.UserID,
				"plan", invitePlan.Name,
			)
		}
	}

	spec := req.Plan.Resources()
	w.notifyUser(
		req,
		fmt.Sprintf(
			"Your VPS is ready!\n\n"+
				"**Name**: %s\n"+
				"**Specs**: %s\n"+
				"**IP**: `%s`\n"+
				"**Temporary password**: ||%s||\n\n"+
				"Log in at %s and change your password right away.",
			payload.Name,
			spec.String(),
			req.ReservedIP,
			req.tempPassword,
			w.panelURL,
		),
	)
	w.logger.InfoContext(
		ctx,
		"vps created",
		"request_id", req.ID,
		"server_id", server.ID,
		"server_uuid", server.UUID,
		"admin_id", adminID,
	)
}

// finalize moves a request into a terminal state. Removing the
// registry entry is the commit point: timers and admin decisions race
// on their own goroutines, and only the caller that removes the entry
// performs compensation, the audit write, and reports true. Any
// reserved IP is returned to the pool for every terminal state except
// Created, before notifications or audit writes, so a failure in
// either can't strand the address.
func (w *Workflow) finalize(
	ctx context.Context,
	req *VPSRequest,
	state RequestState,
	adminID string,
) bool {
	w.mu.Lock()
	if _, active := w.requests[req.ID]; !active {
		w.mu.Unlock()
		return false
	}
	delete(w.requests, req.ID)
	delete(w.byUser, req.UserID)
	w.mu.Unlock()

	req.mu.Lock()
	req.state = state
	if req.selectTimer != nil {
		req.selectTimer.Stop()
	}
	if req.approvalTimer != nil {
		req.approvalTimer.Stop()
	}
	ip := req.ReservedIP
	req.mu.Unlock()

	if ip != "" && state != StateCreated {
		if err := w.pool.Return(ip); err != nil {
			w.logger.Error(
				"unable to return ip to pool (manual recovery required)",
				tint.Err(err),
				"request_id", req.ID,
				"ip", ip,
			)
		}
	}

	w.recordOutcome(ctx, req, state, adminID)
	return true
}

func (w *Workflow) recordOutcome(
	ctx context.Context,
	req *VPSRequest,
	state RequestState,
	adminID string,
) {
	if w.audit == nil {
		return
	}
	entry := &VPSAuditEntry{
		RequestID:   req.ID,
		UserID:      req.UserID,
		PanelUserID: req.PanelUserID,
		ServerID:    req.serverID,
		ServerUUID:  req.serverUUID,
		ReservedIP:  req.ReservedIP,
		Outcome:     string(state),
		DecidedBy:   adminID,
	}
	if req.Plan != nil {
		entry.PlanKind = string(req.Plan.Kind())
		entry.PlanName = req.Plan.PlanName()
	}
	if state == StateCreated && req.tempPassword != "" {
		hash, err := hashPassword(req.tempPassword)
		if err != nil {
			w.logger.Error("unable to hash temp password for audit", tint.Err(err))
		} else {
			entry.PasswordHash = hash
		}
	}
	if err := w.audit.RecordOutcome(ctx, entry); err != nil {
		w.logger.Error(
			"unable to record request outcome",
			tint.Err(err),
			"request_id", req.ID,
			"outcome", state,
		)
	}
}

// validate checks plan eligibility. Returns a user-facing reason when
// the user doesn't qualify.
func (w *Workflow) validate(req *VPSRequest, plan Plan) (string, bool) {
	switch p := plan.(type) {
	case BoostPlan:
		if !w.rewards.BoostEnabled {
			return "Boost rewards are currently disabled.", false
		}
		boosting, guildTier, err := w.guilds.BoostStatus(req.GuildID, req.UserID)
		if err != nil {
			w.logger.Error(
				"boost status lookup failed",
				tint.Err(err),
				"request_id", req.ID,
			)
			return "Couldn't verify your boost status. Please try again later.", false
		}
		if !boosting {
			return "You need to be boosting this server to redeem that plan.", false
		}
		if guildTier < p.MinServerTier {
			return fmt.Sprintf(
				"The server needs to be at boost tier %d for that plan (currently tier %d).",
				p.MinServerTier,
				guildTier,
			), false
		}
		return "", true
	case InvitePlan:
		if !w.rewards.InviteEnabled {
			return "Invite rewards are currently disabled.", false
		}
		count := w.invites.Get(req.GuildID, req.UserID)
		if count < p.InvitesRequired {
			return fmt.Sprintf(
				"You need %d invites for that plan, but you have %d.",
				p.InvitesRequired,
				count,
			), false
		}
		return "", true
	default:
		return "That plan can't be redeemed.", false
	}
}

func (w *Workflow) notifyUser(req *VPSRequest, content string) {
	if err := w.notifier.NotifyUser(req.UserID, req.ChannelID, content); err != nil {
		w.logger.Error(
			"unable to notify user",
			tint.Err(err),
			"request_id", req.ID,
			"user_id", req.UserID,
		)
	}
}

func planPrice(plan Plan) float64 {
	if p, ok := plan.(PaidPlan); ok {
		return p.PriceUSD
	}
	return 0
}

func creationFailureDetail(err error) string {
	var apiErr *PanelAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Detail()
	}
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
