package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetTextSettings returns the singleton settings row.
func (s *Store) GetTextSettings(ctx context.Context) (*TextSettings, error) {
	var ts TextSettings
	err := s.db.GetContext(ctx, &ts, `SELECT * FROM text_settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get text settings: %w", err)
	}
	return &ts, nil
}

// DeviceGuide returns the instructional video and URL for a device, empty
// strings when none are configured.
func (t *TextSettings) DeviceGuide(d Device) (video, url string) {
	switch d {
	case DeviceIPhone:
		return t.IPhoneVideo.String, t.IPhoneURL.String
	case DeviceAndroid:
		return t.AndroidVideo.String, t.AndroidURL.String
	case DeviceMacOS:
		return t.MacOSVideo.String, t.MacOSURL.String
	case DeviceWindows:
		return t.WindowsVideo.String, t.WindowsURL.String
	}
	return "", ""
}
