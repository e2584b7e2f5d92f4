package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/deployflow/pkg/action"
	"github.com/haasonsaas/deployflow/pkg/api"
	"github.com/haasonsaas/deployflow/pkg/events"
	"github.com/haasonsaas/deployflow/pkg/hostinfo"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// pendingOrder is the delivery order for a device's queue: creation time,
// then task position within a profile batch.
const pendingOrder = "created_at, order_index, id"

type DispatcherOptions struct {
	PollInterval time.Duration
	Hasher       TokenHasher
	Events       events.Publisher
	Logger       zerolog.Logger
	// RowLocking adds FOR UPDATE SKIP LOCKED to the pending-action scan.
	// Only meaningful on postgres; sqlite ignores locking clauses.
	RowLocking bool
}

// Dispatcher owns the device registry and the action queue.
type Dispatcher struct {
	db           *gorm.DB
	hasher       TokenHasher
	pollInterval time.Duration
	events       events.Publisher
	logger       zerolog.Logger
	rowLocking   bool
	now          func() time.Time

	registerMu  sync.Mutex
	deviceLocks *keyedMutex
}

func NewDispatcher(db *gorm.DB, opts DispatcherOptions) *Dispatcher {
	if opts.Events == nil {
		opts.Events = events.Noop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Dispatcher{
		db:           db,
		hasher:       opts.Hasher,
		pollInterval: opts.PollInterval,
		events:       opts.Events,
		logger:       opts.Logger.With().Str("component", "dispatcher").Logger(),
		rowLocking:   opts.RowLocking,
		now:          func() time.Time { return time.Now().UTC() },
		deviceLocks:  newKeyedMutex(),
	}
}

func (d *Dispatcher) pollSeconds() int {
	return int(d.pollInterval / time.Second)
}

// Register validates the enrollment token and returns the device id. A live
// device with the same hostname is reused so an agent that lost its state
// file does not create a duplicate row; deleted devices are never revived.
func (d *Dispatcher) Register(ctx context.Context, req api.RegisterRequest) (api.RegisterResponse, error) {
	hostname := strings.TrimSpace(req.Hostname)
	if hostname == "" {
		return api.RegisterResponse{}, failf(errInvalid, "hostname is required")
	}
	if strings.TrimSpace(req.EnrollmentToken) == "" {
		return api.RegisterResponse{}, failf(errInvalidToken, "enrollment token is required")
	}
	if osType := deref(req.OSType); osType != "" && !hostinfo.ValidOSType(osType) {
		return api.RegisterResponse{}, failf(errInvalid, "os_type must be one of %s", strings.Join(hostinfo.AllowedOSTypes, ", "))
	}

	now := d.now()
	hash := d.hasher.HashString(req.EnrollmentToken)

	d.registerMu.Lock()
	defer d.registerMu.Unlock()

	var device Device
	reused := false
	var diverged []string
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var token EnrollmentToken
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("token_hash = ?", hash).First(&token).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failf(errInvalidToken, "invalid enrollment token")
		}
		if err != nil {
			return fmt.Errorf("token lookup: %w", err)
		}
		if token.RevokedAt != nil {
			return failf(errInvalidToken, "enrollment token revoked")
		}
		if token.ExpiresAt != nil && now.After(*token.ExpiresAt) {
			return failf(errInvalidToken, "enrollment token expired")
		}

		err = tx.Where("LOWER(hostname) = ?", strings.ToLower(hostname)).Order("id desc").First(&device).Error
		switch {
		case err == nil:
			reused = true
			diverged = divergentFacts(device, req)
			updates := map[string]any{
				"status":        deviceStatusOnline,
				"last_check_in": now,
			}
			setFact(updates, "os_type", req.OSType)
			setFact(updates, "os_version", req.OSVersion)
			setFact(updates, "os_description", req.OSDescription)
			setFact(updates, "hardware_summary", req.HardwareSummary)
			if err := tx.Model(&Device{}).Where("id = ?", device.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("refresh device: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			device = Device{
				Hostname:          hostname,
				OSType:            deref(req.OSType),
				OSVersion:         deref(req.OSVersion),
				OSDescription:     deref(req.OSDescription),
				HardwareSummary:   deref(req.HardwareSummary),
				Status:            deviceStatusOnline,
				LastCheckIn:       &now,
				EnrollmentTokenID: &token.ID,
			}
			if err := tx.Create(&device).Error; err != nil {
				return fmt.Errorf("create device: %w", err)
			}
		default:
			return fmt.Errorf("device lookup: %w", err)
		}

		return tx.Model(&EnrollmentToken{}).Where("id = ?", token.ID).Updates(map[string]any{
			"use_count":    gorm.Expr("use_count + 1"),
			"last_used_at": now,
		}).Error
	})
	if err != nil {
		return api.RegisterResponse{}, err
	}

	d.logger.Info().Int64("device_id", device.ID).Str("hostname", hostname).Bool("reused", reused).Msg("Device registered")
	if len(diverged) > 0 {
		// Two machines sharing a hostname (cloned images, "localhost") will
		// split one action queue.
		d.logger.Warn().Int64("device_id", device.ID).Str("hostname", hostname).Strs("diverged", diverged).
			Msg("Re-registration reused a device whose facts differ; hostname may be shared by another machine")
	}
	data := map[string]any{
		"device_id": device.ID,
		"hostname":  hostname,
		"reused":    reused,
	}
	if len(diverged) > 0 {
		data["diverged_facts"] = diverged
	}
	d.publish(ctx, events.TypeDeviceRegistered, data)

	return api.RegisterResponse{DeviceID: device.ID, PollIntervalSeconds: d.pollSeconds()}, nil
}

// Heartbeat records liveness and claims every pending action for the
// device, moving each to running inside the same transaction. The
// conditional update makes a claim exclusive even across server replicas.
func (d *Dispatcher) Heartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error) {
	if req.DeviceID <= 0 {
		return api.HeartbeatResponse{}, failf(errInvalid, "device_id is required")
	}
	status := req.Status
	if status == "" {
		status = deviceStatusOnline
	}
	if status != deviceStatusOnline && status != deviceStatusOffline {
		return api.HeartbeatResponse{}, failf(errInvalid, "status must be online or offline")
	}

	unlock := d.deviceLocks.Lock(req.DeviceID)
	defer unlock()

	now := d.now()
	var claimed []Action
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device Device
		err := tx.Unscoped().First(&device, req.DeviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failf(errNotFound, "device %d not found", req.DeviceID)
		}
		if err != nil {
			return fmt.Errorf("device lookup: %w", err)
		}
		deleted := device.DeletedAt.Valid

		query := tx.Where("device_id = ? AND status = ?", device.ID, string(action.StatusPending))
		if deleted {
			// Only the final uninstall is still deliverable.
			query = query.Where("type = ?", string(action.TypeUninstall))
		} else {
			updates := map[string]any{
				"status":        status,
				"last_check_in": now,
			}
			setFact(updates, "os_version", req.OSVersion)
			setFact(updates, "hardware_summary", req.HardwareSummary)
			if err := tx.Model(&Device{}).Where("id = ?", device.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("update device: %w", err)
			}
		}
		if d.rowLocking {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var pending []Action
		if err := query.Order(pendingOrder).Find(&pending).Error; err != nil {
			return fmt.Errorf("load pending actions: %w", err)
		}

		for _, a := range pending {
			res := tx.Model(&Action{}).
				Where("id = ? AND status = ?", a.ID, string(action.StatusPending)).
				Updates(map[string]any{
					"status":       string(action.StatusRunning),
					"delivered_at": now,
					"updated_at":   now,
				})
			if res.Error != nil {
				return fmt.Errorf("claim action %d: %w", a.ID, res.Error)
			}
			if res.RowsAffected != 1 {
				continue
			}
			a.Status = string(action.StatusRunning)
			a.DeliveredAt = &now
			a.UpdatedAt = now
			claimed = append(claimed, a)
		}

		if deleted && len(claimed) == 0 {
			return failf(errNotFound, "device %d has been deleted", device.ID)
		}
		return nil
	})
	if err != nil {
		return api.HeartbeatResponse{}, err
	}

	poll := d.pollSeconds()
	resp := api.HeartbeatResponse{
		Actions:             make([]api.AgentAction, 0, len(claimed)),
		PollIntervalSeconds: &poll,
	}
	for _, a := range claimed {
		resp.Actions = append(resp.Actions, api.AgentAction{ID: a.ID, Type: a.Type, Payload: a.Payload})
		d.publish(ctx, events.TypeActionDispatched, map[string]any{
			"action_id": a.ID,
			"device_id": a.DeviceID,
			"type":      a.Type,
		})
	}
	if len(claimed) > 0 {
		d.logger.Info().Int64("device_id", req.DeviceID).Int("actions", len(claimed)).Msg("Dispatched actions")
	}
	return resp, nil
}

// ReportResult records a terminal outcome. Late or duplicate reports
// overwrite the previous terminal result.
func (d *Dispatcher) ReportResult(ctx context.Context, actionID int64, req api.ActionResultRequest) (Action, error) {
	if actionID <= 0 {
		return Action{}, failf(errInvalid, "invalid action id")
	}
	status := action.Status(req.Status)
	if !status.Terminal() {
		return Action{}, failf(errInvalid, "status must be succeeded or failed")
	}

	now := d.now()
	completedAt := now
	if req.CompletedAt != nil && !req.CompletedAt.IsZero() {
		completedAt = req.CompletedAt.UTC()
	}

	var act Action
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&act, actionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failf(errNotFound, "action %d not found", actionID)
		}
		if err != nil {
			return fmt.Errorf("action lookup: %w", err)
		}
		if req.DeviceID != nil && *req.DeviceID != act.DeviceID {
			return failf(errForbidden, "action %d does not belong to device %d", actionID, *req.DeviceID)
		}
		if !action.CanTransition(action.Status(act.Status), status) {
			return failf(errConflict, "action %d is %s and cannot be reported", actionID, act.Status)
		}

		if err := tx.Model(&Action{}).Where("id = ?", act.ID).Updates(map[string]any{
			"status":       string(status),
			"exit_code":    req.ExitCode,
			"logs":         req.Logs,
			"completed_at": completedAt,
			"updated_at":   now,
		}).Error; err != nil {
			return fmt.Errorf("record result: %w", err)
		}
		act.Status = string(status)
		act.ExitCode = req.ExitCode
		act.Logs = req.Logs
		act.CompletedAt = &completedAt
		act.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Action{}, err
	}

	d.logger.Info().Int64("action_id", act.ID).Int64("device_id", act.DeviceID).Str("status", act.Status).Msg("Action completed")
	d.publish(ctx, events.TypeActionCompleted, map[string]any{
		"action_id": act.ID,
		"device_id": act.DeviceID,
		"status":    act.Status,
		"exit_code": act.ExitCode,
	})
	return act, nil
}

// CreateAction queues one ad-hoc action. A script reference is resolved to
// its current content at queue time.
func (d *Dispatcher) CreateAction(ctx context.Context, deviceID int64, req api.CreateActionRequest) (Action, error) {
	typ := action.Type(req.Type)
	if !typ.Known() {
		return Action{}, failf(errInvalid, "unsupported action type %q", req.Type)
	}

	var act Action
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device Device
		err := tx.First(&device, deviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failf(errNotFound, "device %d not found", deviceID)
		}
		if err != nil {
			return fmt.Errorf("device lookup: %w", err)
		}

		payload := req.Payload
		var scriptID *int64
		if req.ScriptID != nil {
			var script Script
			err := tx.First(&script, *req.ScriptID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return failf(errNotFound, "script %d not found", *req.ScriptID)
			}
			if err != nil {
				return fmt.Errorf("script lookup: %w", err)
			}
			if err := checkScriptLanguage(typ, script); err != nil {
				return err
			}
			if !osCompatible(script.TargetOSType, device.OSType) {
				return failf(errInvalid, "script targets %s but device %d is %s", script.TargetOSType, device.ID, device.OSType)
			}
			content := script.Content
			payload = &content
			scriptID = &script.ID
		}
		if _, isScript := action.LanguageFor(typ); isScript && strings.TrimSpace(deref(payload)) == "" {
			return failf(errInvalid, "either payload or script_id must be provided")
		}

		act = Action{
			DeviceID: device.ID,
			Type:     string(typ),
			Payload:  payload,
			ScriptID: scriptID,
			Status:   string(action.StatusPending),
		}
		if err := tx.Create(&act).Error; err != nil {
			return fmt.Errorf("create action: %w", err)
		}
		return nil
	})
	if err != nil {
		return Action{}, err
	}

	d.publish(ctx, events.TypeActionQueued, map[string]any{
		"action_ids": []int64{act.ID},
		"device_id":  act.DeviceID,
	})
	return act, nil
}

// ApplyProfile fans the profile's tasks out to every target device in one
// transaction: either every (device, task) action is created or none is.
// Devices whose OS does not match the profile or one of its scripts are
// skipped as a whole, never given a partial task set.
func (d *Dispatcher) ApplyProfile(ctx context.Context, profileID int64, deviceIDs []int64) (api.ApplyProfileResponse, error) {
	ids := uniqueIDs(deviceIDs)
	if len(ids) == 0 {
		return api.ApplyProfileResponse{}, failf(errInvalid, "no device ids provided")
	}

	batchID := uuid.NewString()
	now := d.now()
	skipped := make([]int64, 0)
	var created []Action

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile DeploymentProfile
		err := tx.Preload("Tasks", func(db *gorm.DB) *gorm.DB {
			return db.Order("order_index, id")
		}).First(&profile, profileID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failf(errNotFound, "profile %d not found", profileID)
		}
		if err != nil {
			return fmt.Errorf("profile lookup: %w", err)
		}
		if len(profile.Tasks) == 0 {
			return failf(errInvalid, "profile has no tasks")
		}

		scripts, err := loadTaskScripts(tx, profile.Tasks)
		if err != nil {
			return err
		}

		var devices []Device
		if err := tx.Where("id IN ?", ids).Find(&devices).Error; err != nil {
			return fmt.Errorf("device lookup: %w", err)
		}
		byID := make(map[int64]Device, len(devices))
		for _, dev := range devices {
			byID[dev.ID] = dev
		}
		var missing []int64
		for _, id := range ids {
			if _, ok := byID[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return failf(errNotFound, "devices not found: %v", missing)
		}

		for _, id := range ids {
			dev := byID[id]
			if !osCompatible(profile.TargetOSType, dev.OSType) || !scriptsCompatible(scripts, dev.OSType) {
				skipped = append(skipped, id)
				continue
			}
			for _, task := range profile.Tasks {
				content := scripts[task.ScriptID].Content
				scriptID := task.ScriptID
				pid := profile.ID
				created = append(created, Action{
					DeviceID:   id,
					Type:       task.ActionType,
					Payload:    &content,
					ScriptID:   &scriptID,
					ProfileID:  &pid,
					BatchID:    batchID,
					OrderIndex: task.OrderIndex,
					Status:     string(action.StatusPending),
					CreatedAt:  now,
					UpdatedAt:  now,
				})
			}
			if err := tx.Model(&Device{}).Where("id = ?", id).Update("profile_id", profile.ID).Error; err != nil {
				return fmt.Errorf("assign profile: %w", err)
			}
		}

		if len(created) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&created, 100).Error; err != nil {
			return fmt.Errorf("create actions: %w", err)
		}
		return nil
	})
	if err != nil {
		return api.ApplyProfileResponse{}, err
	}

	if len(created) > 0 {
		actionIDs := make([]int64, 0, len(created))
		for _, a := range created {
			actionIDs = append(actionIDs, a.ID)
		}
		d.publish(ctx, events.TypeActionQueued, map[string]any{
			"action_ids": actionIDs,
			"profile_id": profileID,
			"batch_id":   batchID,
		})
	}
	d.logger.Info().Int64("profile_id", profileID).Str("batch_id", batchID).Int("created", len(created)).Ints64("skipped", skipped).Msg("Profile applied")

	return api.ApplyProfileResponse{
		CreatedActions:   len(created),
		BatchID:          batchID,
		SkippedDeviceIDs: skipped,
	}, nil
}

// DeleteDevice queues a final uninstall and soft-deletes the device. The
// uninstall is delivered if the agent ever checks in again.
func (d *Dispatcher) DeleteDevice(ctx context.Context, deviceID int64) (api.DeleteDeviceResponse, error) {
	unlock := d.deviceLocks.Lock(deviceID)
	defer unlock()

	var uninstall Action
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device Device
		err := tx.Unscoped().First(&device, deviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failf(errNotFound, "device %d not found", deviceID)
		}
		if err != nil {
			return fmt.Errorf("device lookup: %w", err)
		}
		if device.DeletedAt.Valid {
			return failf(errGone, "device %d already deleted", deviceID)
		}

		uninstall = Action{
			DeviceID: device.ID,
			Type:     string(action.TypeUninstall),
			Status:   string(action.StatusPending),
		}
		if err := tx.Create(&uninstall).Error; err != nil {
			return fmt.Errorf("queue uninstall: %w", err)
		}
		if err := tx.Model(&Device{}).Where("id = ?", device.ID).Update("status", deviceStatusOffline).Error; err != nil {
			return fmt.Errorf("mark offline: %w", err)
		}
		if err := tx.Delete(&Device{}, device.ID).Error; err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
		return nil
	})
	if err != nil {
		return api.DeleteDeviceResponse{}, err
	}

	d.logger.Info().Int64("device_id", deviceID).Int64("uninstall_action_id", uninstall.ID).Msg("Device deleted")
	d.publish(ctx, events.TypeDeviceDeleted, map[string]any{
		"device_id":           deviceID,
		"uninstall_action_id": uninstall.ID,
	})
	return api.DeleteDeviceResponse{Status: "deleted", UninstallActionID: uninstall.ID}, nil
}

func (d *Dispatcher) publish(ctx context.Context, typ string, data any) {
	if err := d.events.Publish(ctx, events.Event{Type: typ, Time: d.now(), Data: data}); err != nil {
		d.logger.Warn().Err(err).Str("event", typ).Msg("Failed to publish event")
	}
}

// loadTaskScripts resolves every task's script and checks it can run under
// the task's action type.
func loadTaskScripts(tx *gorm.DB, tasks []ProfileTask) (map[int64]Script, error) {
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ScriptID)
	}
	var scripts []Script
	if err := tx.Where("id IN ?", uniqueIDs(ids)).Find(&scripts).Error; err != nil {
		return nil, fmt.Errorf("script lookup: %w", err)
	}
	byID := make(map[int64]Script, len(scripts))
	for _, s := range scripts {
		byID[s.ID] = s
	}
	for _, t := range tasks {
		typ := action.Type(t.ActionType)
		if !typ.Known() {
			return nil, failf(errInvalid, "task %d has unsupported action type %q", t.ID, t.ActionType)
		}
		script, ok := byID[t.ScriptID]
		if !ok {
			return nil, failf(errInvalid, "task %d references missing script %d", t.ID, t.ScriptID)
		}
		if err := checkScriptLanguage(typ, script); err != nil {
			return nil, err
		}
	}
	return byID, nil
}

func checkScriptLanguage(typ action.Type, script Script) error {
	lang, ok := action.LanguageFor(typ)
	if ok && script.Language != string(lang) {
		return failf(errInvalid, "script %d is %s but action type %s requires %s", script.ID, script.Language, typ, lang)
	}
	return nil
}

// osCompatible treats an empty side as a wildcard.
func osCompatible(target, actual string) bool {
	return target == "" || actual == "" || target == actual
}

func scriptsCompatible(scripts map[int64]Script, osType string) bool {
	for _, s := range scripts {
		if !osCompatible(s.TargetOSType, osType) {
			return false
		}
	}
	return true
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func setFact(updates map[string]any, column string, value *string) {
	if value != nil {
		updates[column] = *value
	}
}

// divergentFacts names the identity facts a re-registering device reports
// differently from what is stored. Unknown values on either side are ignored.
func divergentFacts(stored Device, req api.RegisterRequest) []string {
	var out []string
	if v := strings.TrimSpace(deref(req.OSType)); v != "" && stored.OSType != "" && !strings.EqualFold(v, stored.OSType) {
		out = append(out, "os_type")
	}
	if v := strings.TrimSpace(deref(req.HardwareSummary)); v != "" && stored.HardwareSummary != "" && v != stored.HardwareSummary {
		out = append(out, "hardware_summary")
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
