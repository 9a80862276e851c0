// Package isapi speaks the Hikvision ISAPI HTTP surface: digest-authenticated
// one-shot requests, channel discovery, and the long-lived alertStream whose
// multipart body carries EventNotificationAlert XML documents.
package isapi

// ISAPI paths used by this module.
const (
	AlertStreamPath = "/ISAPI/Event/notification/alertStream"
	DeviceInfoPath  = "/ISAPI/System/deviceInfo"
)

// ChannelDiscoveryPaths are probed in order; analog inputs first, then
// IP camera proxy channels (NVRs).
var ChannelDiscoveryPaths = []string{
	"/ISAPI/System/Video/inputs/channels",
	"/ISAPI/ContentMgmt/InputProxy/channels",
}

// Event type and state tags as reported by the device.
const (
	EventTypeVMD = "VMD"

	StateActive   = "active"
	StateInactive = "inactive"

	TargetHuman   = "human"
	TargetVehicle = "vehicle"
)

// Event is one decoded EventNotificationAlert. Constructed once per
// multipart segment and immutable afterwards.
type Event struct {
	ChannelID  int    `json:"channel_id"`
	Type       string `json:"event_type"`
	State      string `json:"event_state"`
	TargetType string `json:"target_type,omitempty"`
	DateTime   string `json:"date_time,omitempty"`
}

// IsVMD reports whether the event is an actionable video-motion-detection
// notification. Everything else (videoloss keep-alives, tamper, diskfull)
// is ignored by the state layer.
func (e Event) IsVMD() bool {
	return e.Type == EventTypeVMD
}
