package models

import "time"

// UserSettings is the logical record synchronized between devices.
//
// Version is assigned by the settings server only and strictly increases
// with every committed write. FieldTimes holds, per field, the write time of
// the last commit that touched it.
type UserSettings struct {
	UserID          string               `json:"user_id"`
	Fields          Fields               `json:"fields"`
	FieldTimes      map[string]time.Time `json:"field_times,omitempty"`
	Version         int64                `json:"version"`
	UpdatedAt       time.Time            `json:"updated_at"`
	UpdatedByDevice string               `json:"updated_by_device,omitempty"`
}

// Clone returns a deep copy of s.
func (s UserSettings) Clone() UserSettings {
	out := s
	out.Fields = s.Fields.Clone()
	if out.Fields == nil {
		out.Fields = Fields{}
	}
	if s.FieldTimes != nil {
		out.FieldTimes = make(map[string]time.Time, len(s.FieldTimes))
		for k, v := range s.FieldTimes {
			out.FieldTimes[k] = v
		}
	}
	return out
}

// FieldTime returns when field was last written, falling back to the record
// timestamp when no per-field time is known.
func (s UserSettings) FieldTime(field string) time.Time {
	if t, ok := s.FieldTimes[field]; ok {
		return t
	}
	return s.UpdatedAt
}

// Apply returns a copy of s with patch merged in as the next committed
// version. Only the settings server (or a test double standing in for it)
// calls Apply; clients never assign versions.
func (s UserSettings) Apply(patch Fields, writtenAt time.Time, deviceID string) UserSettings {
	out := s.Clone()
	if out.FieldTimes == nil {
		out.FieldTimes = make(map[string]time.Time, len(patch))
	}
	for k, v := range patch {
		out.Fields[k] = cloneValue(v)
		out.FieldTimes[k] = writtenAt
	}
	out.Version = s.Version + 1
	out.UpdatedAt = writtenAt
	out.UpdatedByDevice = deviceID
	return out
}

// WriteRequest is a conditional write: it commits only if the stored
// version equals ExpectedVersion.
type WriteRequest struct {
	UserID          string    `json:"user_id"`
	DeviceID        string    `json:"device_id"`
	Patch           Fields    `json:"patch"`
	ExpectedVersion int64     `json:"expected_version"`
	WrittenAt       time.Time `json:"written_at"`
}
