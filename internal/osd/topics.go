package osd

import (
	"time"

	"github.com/nugget/spacecoord/internal/types"
)

// topic is implemented by every OSD-bound payload; topicName gives the
// suffix appended to Config.TopicPrefix.
type topic interface {
	topicName() string
}

type bookingPayload struct {
	BookingID    types.BookingId `json:"bookingId"`
	CustomerName string          `json:"customerName"`
	TimeFrom     time.Time       `json:"timeFrom"`
	TimeTo       time.Time       `json:"timeTo"`
}

type setScreenState struct {
	UnitID   types.UnitId `json:"unitId"`
	IsActive bool         `json:"isActive"`
}

func (setScreenState) topicName() string { return "screen/set" }

type currentSession struct {
	UnitID  types.UnitId    `json:"unitId"`
	Booking *bookingPayload `json:"booking"`
}

func (currentSession) topicName() string { return "session/current" }

type alertTopic struct {
	UnitID types.UnitId `json:"unitId"`
	Alert  *AlertData   `json:"alert"`
}

func (alertTopic) topicName() string { return "alert" }

type setMixerStates struct {
	UnitID    types.UnitId        `json:"unitId"`
	Channels  []MixerChannelData  `json:"channels"`
	Globals   *MixerGlobalData    `json:"globals,omitempty"`
	Overwrite bool                `json:"overwrite"`
}

func (setMixerStates) topicName() string { return "mixer/set" }

type parkingState struct {
	LicensePlateNumber string    `json:"licensePlateNumber"`
	UserName           string    `json:"userName"`
	EntryDate          time.Time `json:"entryDate"`
	Exempted           bool      `json:"exempted"`
	Fuzzy              *string   `json:"fuzzy,omitempty"`
}

type parkingStates struct {
	UnitID types.UnitId   `json:"unitId"`
	States []parkingState `json:"states"`
}

func (parkingStates) topicName() string { return "parking/states" }

type doorbellRequest struct {
	UnitID *types.UnitId `json:"unitId"`
}

func (doorbellRequest) topicName() string { return "doorbell" }

type doorLockOpenResult struct {
	Success bool    `json:"success"`
	Error   *string `json:"error,omitempty"`
}

func (doorLockOpenResult) topicName() string { return "doorlock/set/result" }
