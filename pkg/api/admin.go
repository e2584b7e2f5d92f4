package api

import (
	"context"
	"net/http"
)

// Operator endpoints used by deployctl.

func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	_, err := c.do(ctx, http.MethodGet, PathPrefix+"/devices", nil, &out)
	return out, err
}

func (c *Client) GetDevice(ctx context.Context, id int64) (Device, error) {
	var out Device
	_, err := c.do(ctx, http.MethodGet, PathPrefix+"/devices/"+itoa(id), nil, &out)
	return out, err
}

func (c *Client) DeleteDevice(ctx context.Context, id int64) (DeleteDeviceResponse, error) {
	var out DeleteDeviceResponse
	_, err := c.do(ctx, http.MethodDelete, PathPrefix+"/devices/"+itoa(id), nil, &out)
	return out, err
}

func (c *Client) ListActions(ctx context.Context, deviceID int64) ([]Action, error) {
	var out []Action
	_, err := c.do(ctx, http.MethodGet, PathPrefix+"/devices/"+itoa(deviceID)+"/actions", nil, &out)
	return out, err
}

func (c *Client) CreateAction(ctx context.Context, deviceID int64, req CreateActionRequest) (Action, error) {
	var out Action
	_, err := c.do(ctx, http.MethodPost, PathPrefix+"/devices/"+itoa(deviceID)+"/actions", req, &out)
	return out, err
}

func (c *Client) ApplyProfile(ctx context.Context, profileID int64, deviceIDs []int64) (ApplyProfileResponse, error) {
	var out ApplyProfileResponse
	_, err := c.do(ctx, http.MethodPost, PathPrefix+"/profiles/"+itoa(profileID)+"/apply", ApplyProfileRequest{DeviceIDs: deviceIDs}, &out)
	return out, err
}

func (c *Client) IssueToken(ctx context.Context, label string, expiresInSeconds int64) (EnrollmentToken, error) {
	req := struct {
		Label            string `json:"label"`
		ExpiresInSeconds int64  `json:"expires_in_seconds,omitempty"`
	}{Label: label, ExpiresInSeconds: expiresInSeconds}
	var out EnrollmentToken
	_, err := c.do(ctx, http.MethodPost, PathPrefix+"/enrollment-tokens", req, &out)
	return out, err
}

func (c *Client) ListTokens(ctx context.Context) ([]EnrollmentToken, error) {
	var out []EnrollmentToken
	_, err := c.do(ctx, http.MethodGet, PathPrefix+"/enrollment-tokens", nil, &out)
	return out, err
}

func (c *Client) RevokeToken(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, PathPrefix+"/enrollment-tokens/"+itoa(id), nil, nil)
	return err
}

func (c *Client) ListScripts(ctx context.Context) ([]Script, error) {
	var out []Script
	_, err := c.do(ctx, http.MethodGet, PathPrefix+"/scripts", nil, &out)
	return out, err
}

func (c *Client) GetProfile(ctx context.Context, id int64) (Profile, error) {
	var out Profile
	_, err := c.do(ctx, http.MethodGet, PathPrefix+"/profiles/"+itoa(id), nil, &out)
	return out, err
}
