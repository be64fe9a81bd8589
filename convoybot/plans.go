package convoybot

import (
	"fmt"
	"strings"
)

// PlanKind discriminates the plan categories users can redeem.
type PlanKind string

const (
	PlanKindPaid   PlanKind = "paid"
	PlanKindBoost  PlanKind = "boost"
	PlanKindInvite PlanKind = "invite"
)

// mebibytesPerGigabyte converts plan resource sizes, configured in whole
// gigabytes, to the mebibyte units the panel expects in creation payloads.
const mebibytesPerGigabyte = 1024

const (
	serverVMIDMin = 200
	serverVMIDMax = 9999

	serverNameSuffixMin = 100
	serverNameSuffixMax = 999

	serverNameUserMaxLen = 12
)

// ResourceSpec is the resource allocation a plan grants. Sizes are in
// whole gigabytes. Zero snapshot/backup limits fall back to the
// provisioning defaults.
//
//nolint:lll // can't break tags
type ResourceSpec struct {
	CPUCores      int `yaml:"cpu_cores" mapstructure:"cpu_cores" json:"cpu_cores"`
	MemoryGB      int `yaml:"memory_gb" mapstructure:"memory_gb" json:"memory_gb"`
	DiskGB        int `yaml:"disk_gb" mapstructure:"disk_gb" json:"disk_gb"`
	SnapshotLimit int `yaml:"snapshot_limit" mapstructure:"snapshot_limit" json:"snapshot_limit"`
	BackupLimit   int `yaml:"backup_limit" mapstructure:"backup_limit" json:"backup_limit"`
}

func (r ResourceSpec) String() string {
	return fmt.Sprintf(
		"%d vCPU / %d GB RAM / %d GB disk",
		r.CPUCores,
		r.MemoryGB,
		r.DiskGB,
	)
}

// Plan is one redeemable VPS tier. Exactly one of the concrete plan
// types backs each value; Kind identifies which.
type Plan interface {
	Kind() PlanKind
	PlanName() string
	Resources() ResourceSpec
}

// BoostPlan is earned by boosting the guild.
//
//nolint:lll // can't break tags
type BoostPlan struct {
	Name string `yaml:"name" mapstructure:"name" json:"name"`

	// BoostsRequired is how many boosts the member must contribute
	BoostsRequired int `yaml:"boosts_required" mapstructure:"boosts_required" json:"boosts_required"`

	// MinServerTier is the minimum guild premium tier for this plan
	MinServerTier int `yaml:"min_server_tier" mapstructure:"min_server_tier" json:"min_server_tier"`

	Spec ResourceSpec `yaml:"spec" mapstructure:"spec" json:"spec"`
}

func (p BoostPlan) Kind() PlanKind          { return PlanKindBoost }
func (p BoostPlan) PlanName() string        { return p.Name }
func (p BoostPlan) Resources() ResourceSpec { return p.Spec }

// InvitePlan is earned by inviting new members.
//
//nolint:lll // can't break tags
type InvitePlan struct {
	Name string `yaml:"name" mapstructure:"name" json:"name"`

	// InvitesRequired is the tracked invite count needed to redeem
	InvitesRequired int `yaml:"invites_required" mapstructure:"invites_required" json:"invites_required"`

	Spec ResourceSpec `yaml:"spec" mapstructure:"spec" json:"spec"`
}

func (p InvitePlan) Kind() PlanKind          { return PlanKindInvite }
func (p InvitePlan) PlanName() string        { return p.Name }
func (p InvitePlan) Resources() ResourceSpec { return p.Spec }

// PaidPlan is purchased through support and never provisioned by the bot.
//
//nolint:lll // can't break tags
type PaidPlan struct {
	Name     string       `yaml:"name" mapstructure:"name" json:"name"`
	PriceUSD float64      `yaml:"price_usd" mapstructure:"price_usd" json:"price_usd"`
	Spec     ResourceSpec `yaml:"spec" mapstructure:"spec" json:"spec"`
}

func (p PaidPlan) Kind() PlanKind          { return PlanKindPaid }
func (p PaidPlan) PlanName() string        { return p.Name }
func (p PaidPlan) Resources() ResourceSpec { return p.Spec }

var planNamePrefixes = map[PlanKind]string{
	PlanKindBoost:  "BOO",
	PlanKindInvite: "INV",
	PlanKindPaid:   "PAI",
}

// generateServerName builds a panel server name from the plan kind and
// the redeeming user's name: `BOO-<user>-<nnn>`. The username portion
// is reduced to alphanumerics and truncated.
func generateServerName(kind PlanKind, username string) (string, error) {
	var b strings.Builder
	for _, r := range username {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	sanitized := truncate(b.String(), serverNameUserMaxLen)
	if sanitized == "" {
		sanitized = "user"
	}
	n, err := crand(int64(serverNameSuffixMax - serverNameSuffixMin + 1))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"%s-%s-%d",
		planNamePrefixes[kind],
		sanitized,
		serverNameSuffixMin+int(n),
	), nil
}

func randomVMID() (int, error) {
	n, err := crand(int64(serverVMIDMax - serverVMIDMin + 1))
	if err != nil {
		return 0, err
	}
	return serverVMIDMin + int(n), nil
}

// ServerLimits is the resource block of a creation payload, in the
// panel's native units (mebibytes).
type ServerLimits struct {
	CPU       int `json:"cpu"`
	Memory    int `json:"memory"`
	Disk      int `json:"disk"`
	Snapshots int `json:"snapshots"`
	Backups   int `json:"backups"`
}

// FeatureLimits caps panel-side user actions on the server.
type FeatureLimits struct {
	Allocations int `json:"allocations"`
	Backups     int `json:"backups"`
}

// CreationPayload is the application-API body for creating a server.
type CreationPayload struct {
	NodeID             int           `json:"node_id"`
	UserID             int           `json:"user_id"`
	Name               string        `json:"name"`
	Hostname           string        `json:"hostname"`
	VMID               int           `json:"vmid"`
	Limits             ServerLimits  `json:"limits"`
	FeatureLimits      FeatureLimits `json:"feature_limits"`
	AccountPassword    string        `json:"account_password"`
	TemplateUUID       string        `json:"template_uuid"`
	ShouldCreateServer bool          `json:"should_create_server"`
	StartOnCompletion  bool          `json:"start_on_completion"`
}

// NewCreationPayload assembles the panel request body for the given
// plan, applying provisioning defaults and converting gigabyte sizes
// to the panel's mebibyte units.
func NewCreationPayload(
	plan Plan,
	prov *ProvisionConfig,
	panelUserID int,
	username string,
	tempPassword string,
) (*CreationPayload, error) {
	name, err := generateServerName(plan.Kind(), username)
	if err != nil {
		return nil, err
	}
	vmid, err := randomVMID()
	if err != nil {
		return nil, err
	}
	spec := plan.Resources()
	snapshots := spec.SnapshotLimit
	if snapshots == 0 {
		snapshots = prov.SnapshotLimit
	}
	backups := spec.BackupLimit
	if backups == 0 {
		backups = prov.BackupLimit
	}
	return &CreationPayload{
		NodeID:   prov.NodeID,
		UserID:   panelUserID,
		Name:     name,
		Hostname: fmt.Sprintf("%s.%s", strings.ToLower(name), prov.HostnameSuffix),
		VMID:     vmid,
		Limits: ServerLimits{
			CPU:       spec.CPUCores,
			Memory:    spec.MemoryGB * mebibytesPerGigabyte,
			Disk:      spec.DiskGB * mebibytesPerGigabyte,
			Snapshots: snapshots,
			Backups:   backups,
		},
		FeatureLimits: FeatureLimits{
			Allocations: prov.AllocationLimit,
			Backups:     prov.TotalBackupLimit,
		},
		AccountPassword:    tempPassword,
		TemplateUUID:       prov.TemplateUUID,
		ShouldCreateServer: true,
		StartOnCompletion:  true,
	}, nil
}
