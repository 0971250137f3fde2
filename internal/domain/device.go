package domain

import "time"

// Device enrollment states. A row exists only once enrollment completed,
// and revocation is a state transition, never a row delete, so the audit
// trail stays intact.
const (
	DeviceEnrolled = "enrolled"
	DeviceRevoked  = "revoked"
)

// Device is one enrolled mobile device and its last-known state.
type Device struct {
	ID              int64     `json:"id,string" form:"id"`
	Udid            string    `gorm:"uniqueIndex" json:"udid" form:"udid"` // Device UDID / serial
	SerialNumber    string    `json:"serial_number" form:"serial_number"`  // Hardware serial if reported
	Name            string    `json:"name" form:"name"`                    // Display name
	CertFingerprint string    `gorm:"index" json:"cert_fingerprint"`       // SHA-256 of identity certificate
	CertNotAfter    time.Time `json:"cert_not_after"`                      // Identity certificate expiry
	EnrollStatus    string    `gorm:"index" json:"enroll_status"`          // enrolled/revoked
	LastCheckinAt   time.Time `json:"last_checkin_at"`                     // Most recent check-in
	LastAckState    string    `json:"last_ack_state"`                      // Canonical JSON of last acknowledged restriction intent
	LastAckSeq      int64     `json:"last_ack_seq,string"`                 // Seq of last acknowledged command
	Tags            string    `json:"tags" form:"tags"`                    // Tags
	Remark          string    `json:"remark" form:"remark"`                // Remark
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Device) TableName() string {
	return "mdm_device"
}

// Enrollment session states.
const (
	SessionPending   = "pending"
	SessionCompleted = "completed"
	SessionExpired   = "expired"
)

// EnrollSession is one outstanding enrollment challenge window. A signing
// request must present the matching challenge before the window elapses.
type EnrollSession struct {
	ID        int64     `json:"id,string"`
	Udid      string    `gorm:"index" json:"udid"`
	Challenge string    `json:"-"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (EnrollSession) TableName() string {
	return "mdm_enroll_session"
}

// DeviceEvent is an append-only audit record of device-side activity,
// including out-of-order check-ins that did not change registry state.
type DeviceEvent struct {
	ID        int64     `json:"id,string"`
	DeviceID  int64     `gorm:"index" json:"device_id,string"`
	Udid      string    `json:"udid"`
	EventType string    `json:"event_type"` // enroll/checkin/stale_checkin/ack/nack/revoke
	Detail    string    `json:"detail"`
	EventTime time.Time `json:"event_time"`
}

// TableName Specify table name
func (DeviceEvent) TableName() string {
	return "mdm_device_event"
}
