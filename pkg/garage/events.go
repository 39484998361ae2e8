package garage

// Event kinds of the garage event family.
const (
	KindStateRequest  = "garage.StateRequest"
	KindStateResponse = "garage.StateResponse"
	KindRemoteCommand = "garage.RemoteCommand"
)

// DoorState is the door status carried by notifications and state responses.
type DoorState struct {
	IsOpen    bool `json:"isOpen"`
	IsOpening bool `json:"isOpening"`
	IsClosing bool `json:"isClosing"`
}

// StateResponse answers a StateRequest.
type StateResponse struct {
	Info DoorState `json:"info"`
}

// RemoteCommand asks every door to open or close.
type RemoteCommand struct {
	IsOpen bool `json:"isOpen"`
}

// Configuration is the endpoint configuration managed by the fabric.
type Configuration struct {
	Speed int `json:"speed"`
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
