package domain

import "time"

// Command lifecycle states. acknowledged/failed/superseded are terminal.
// Per device at most one command may sit in queued or delivered.
const (
	CommandQueued       = "queued"
	CommandDelivered    = "delivered"
	CommandAcknowledged = "acknowledged"
	CommandFailed       = "failed"
	CommandSuperseded   = "superseded"
)

// Command is one queued unit of work for one device: a rendered payload
// bundle plus its delivery bookkeeping.
type Command struct {
	ID           int64     `json:"id,string"`
	DeviceID     int64     `gorm:"index" json:"device_id,string"` // Owning device
	Seq          int64     `gorm:"index" json:"seq"`              // Monotonic per device
	Status       string    `gorm:"index" json:"status"`           // queued/delivered/acknowledged/failed/superseded
	BundleUUID   string    `json:"bundle_uuid"`                   // PayloadUUID of the rendered bundle
	Payload      []byte    `json:"-"`                             // Rendered mobileconfig plist
	Signature    []byte    `json:"-"`                             // Detached signature over Payload
	IntentJSON   string    `json:"intent_json"`                   // Canonical JSON of the target intent
	LastError    string    `json:"last_error"`                    // Device-reported or delivery error detail
	CreatedAt    time.Time `json:"created_at"`
	TransitionAt time.Time `json:"transition_at"` // Last status transition
}

// TableName Specify table name
func (Command) TableName() string {
	return "mdm_command"
}

// Terminal reports whether the command can no longer change state.
func (c *Command) Terminal() bool {
	switch c.Status {
	case CommandAcknowledged, CommandFailed, CommandSuperseded:
		return true
	}
	return false
}

// Outstanding reports whether the command still occupies the device's
// single in-flight slot.
func (c *Command) Outstanding() bool {
	return c.Status == CommandQueued || c.Status == CommandDelivered
}
