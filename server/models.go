package main

import (
	"time"

	"github.com/haasonsaas/deployflow/pkg/api"
	"gorm.io/gorm"
)

const (
	deviceStatusOnline  = "online"
	deviceStatusOffline = "offline"
)

// Device is an enrolled machine. Deleted devices stay in the table so a
// final uninstall action can still be handed out.
type Device struct {
	ID                int64  `gorm:"primaryKey"`
	Hostname          string `gorm:"index;not null"`
	OSType            string
	OSVersion         string
	OSDescription     string     `gorm:"type:text"`
	HardwareSummary   string     `gorm:"type:text"`
	Status            string     `gorm:"index;not null;default:offline"`
	LastCheckIn       *time.Time `gorm:"index"`
	ProfileID         *int64
	EnrollmentTokenID *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         gorm.DeletedAt `gorm:"index"`
}

// Action is one unit of work for exactly one device.
type Action struct {
	ID          int64   `gorm:"primaryKey"`
	DeviceID    int64   `gorm:"index:idx_actions_device_status,priority:1;not null"`
	Type        string  `gorm:"not null"`
	Payload     *string `gorm:"type:text"`
	ScriptID    *int64
	ProfileID   *int64
	BatchID     string `gorm:"index"`
	OrderIndex  int
	Status      string `gorm:"index:idx_actions_device_status,priority:2;not null"`
	ExitCode    *int
	Logs        *string   `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time `gorm:"index"`
	DeliveredAt *time.Time
	CompletedAt *time.Time
}

// Script is a library entry whose content is snapshotted into actions.
type Script struct {
	ID           int64  `gorm:"primaryKey"`
	Name         string `gorm:"uniqueIndex;not null"`
	Language     string `gorm:"not null"`
	TargetOSType string
	Content      string `gorm:"type:text;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeploymentProfile is an ordered task list applied to devices in one call.
type DeploymentProfile struct {
	ID           int64  `gorm:"primaryKey"`
	Name         string `gorm:"uniqueIndex;not null"`
	Description  string `gorm:"type:text"`
	TargetOSType string
	Tasks        []ProfileTask `gorm:"foreignKey:ProfileID;constraint:OnDelete:CASCADE"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ProfileTask struct {
	ID         int64  `gorm:"primaryKey"`
	ProfileID  int64  `gorm:"index;not null"`
	OrderIndex int    `gorm:"not null"`
	ActionType string `gorm:"not null"`
	ScriptID   int64  `gorm:"not null"`
}

// EnrollmentToken stores hashed, shared enrollment secrets. A token can
// enroll any number of devices until it expires or is revoked.
type EnrollmentToken struct {
	ID         int64 `gorm:"primaryKey"`
	Label      string
	TokenHash  string `gorm:"uniqueIndex;not null"`
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	UseCount   int
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

func allModels() []any {
	return []any{&Device{}, &Action{}, &Script{}, &DeploymentProfile{}, &ProfileTask{}, &EnrollmentToken{}}
}

func (d Device) toAPI() api.Device {
	return api.Device{
		ID:              d.ID,
		Hostname:        d.Hostname,
		OSType:          d.OSType,
		OSVersion:       d.OSVersion,
		OSDescription:   d.OSDescription,
		HardwareSummary: d.HardwareSummary,
		Status:          d.Status,
		LastCheckIn:     d.LastCheckIn,
		ProfileID:       d.ProfileID,
		CreatedAt:       d.CreatedAt,
	}
}

func (a Action) toAPI() api.Action {
	return api.Action{
		ID:          a.ID,
		DeviceID:    a.DeviceID,
		Type:        a.Type,
		Payload:     a.Payload,
		ScriptID:    a.ScriptID,
		ProfileID:   a.ProfileID,
		BatchID:     a.BatchID,
		OrderIndex:  a.OrderIndex,
		Status:      a.Status,
		ExitCode:    a.ExitCode,
		Logs:        a.Logs,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
		DeliveredAt: a.DeliveredAt,
		CompletedAt: a.CompletedAt,
	}
}

func (s Script) toAPI() api.Script {
	return api.Script{
		ID:           s.ID,
		Name:         s.Name,
		Language:     s.Language,
		TargetOSType: s.TargetOSType,
		Content:      s.Content,
		CreatedAt:    s.CreatedAt,
	}
}

func (p DeploymentProfile) toAPI() api.Profile {
	tasks := make([]api.ProfileTask, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		tasks = append(tasks, api.ProfileTask{
			ID:         t.ID,
			OrderIndex: t.OrderIndex,
			ActionType: t.ActionType,
			ScriptID:   t.ScriptID,
		})
	}
	return api.Profile{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		TargetOSType: p.TargetOSType,
		Tasks:        tasks,
		CreatedAt:    p.CreatedAt,
	}
}

func (t EnrollmentToken) toAPI() api.EnrollmentToken {
	return api.EnrollmentToken{
		ID:         t.ID,
		Label:      t.Label,
		ExpiresAt:  t.ExpiresAt,
		RevokedAt:  t.RevokedAt,
		UseCount:   t.UseCount,
		LastUsedAt: t.LastUsedAt,
		CreatedAt:  t.CreatedAt,
	}
}
